package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	playground "github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"sigs.k8s.io/yaml"

	"github.com/rvachov/helmsman/internal/validator"
)

var structValidate = playground.New(playground.WithRequiredStructEnabled())

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Catalog is the immutable set of loaded action definitions.
type Catalog struct {
	byName map[string]Definition
	names  []string
}

// Load reads every *.yaml / *.yml file under dir, validates each definition,
// and returns the catalog. Any invalid definition is a startup error: the
// process must refuse to start rather than run with a partial catalog.
func Load(dir string, cmdValidator *validator.Validator) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read actions directory %s: %w", dir, err)
	}

	c := &Catalog{byName: make(map[string]Definition)}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		var def Definition
		// Strict: unknown top-level keys reject the definition.
		if err := yaml.UnmarshalStrict(data, &def); err != nil {
			return nil, fmt.Errorf("invalid action definition %s: %w", path, err)
		}

		if err := c.add(def, cmdValidator); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	sort.Strings(c.names)
	log.Info().Int("actions", len(c.names)).Str("dir", dir).Msg("Action catalog loaded")
	return c, nil
}

func (c *Catalog) add(def Definition, cmdValidator *validator.Validator) error {
	if err := structValidate.Struct(def); err != nil {
		return fmt.Errorf("action %q failed validation: %w", def.Name, err)
	}
	if _, dup := c.byName[def.Name]; dup {
		return fmt.Errorf("duplicate action name %q", def.Name)
	}
	if !def.Tier.Valid() {
		return fmt.Errorf("action %q has invalid tier %d", def.Name, def.Tier)
	}

	if def.TimeoutSeconds == 0 {
		def.TimeoutSeconds = 60
	}
	if def.TimeoutSeconds < 0 {
		return fmt.Errorf("action %q has negative timeout", def.Name)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = RiskUnknown
	}
	if !def.RiskLevel.valid() {
		return fmt.Errorf("action %q has unknown risk level %q", def.Name, def.RiskLevel)
	}

	// A proactive action that runs unattended cannot simultaneously demand
	// a human in the loop.
	if def.Tier == TierProactive && def.AutoExecute && def.RequiresApproval {
		return fmt.Errorf("action %q: tier-3 auto_execute conflicts with requires_approval", def.Name)
	}

	for _, pc := range def.Preconditions {
		switch pc.Type {
		case PreconditionDiskUsage, PreconditionMemory:
			if pc.MaxPercent <= 0 || pc.MaxPercent > 100 {
				return fmt.Errorf("action %q: %s precondition needs max_percent in (0,100]", def.Name, pc.Type)
			}
		case PreconditionServiceHealth:
			if pc.Service == "" {
				return fmt.Errorf("action %q: service_health precondition needs a service", def.Name)
			}
		case PreconditionScheduledWindow:
			if _, err := cronParser.Parse(pc.Schedule); err != nil {
				return fmt.Errorf("action %q: invalid schedule %q: %w", def.Name, pc.Schedule, err)
			}
		default:
			return fmt.Errorf("action %q: unknown precondition type %q", def.Name, pc.Type)
		}
	}

	for _, sc := range def.SafetyChecks {
		switch sc.Type {
		case SafetyReadOnly:
		case SafetyPathWhitelist:
			if len(sc.Paths) == 0 {
				return fmt.Errorf("action %q: path_whitelist safety check needs paths", def.Name)
			}
		case SafetyRestartLimit:
			if sc.MaxPerHour <= 0 {
				return fmt.Errorf("action %q: restart_limit safety check needs max_per_hour", def.Name)
			}
		default:
			return fmt.Errorf("action %q: unknown safety check type %q", def.Name, sc.Type)
		}
	}

	// Every command template must clear the command validator at load time.
	verdict := cmdValidator.Validate(resolveTemplate(def.Command, placeholderSamples))
	if !verdict.Allowed {
		return fmt.Errorf("action %q: command rejected by validator: %s", def.Name, verdict.Message)
	}

	c.byName[def.Name] = def
	c.names = append(c.names, def.Name)
	return nil
}

// placeholderSamples substitutes template placeholders with innocuous values
// so a template like "docker restart {container}" can be validated.
var placeholderSamples = map[string]string{
	"container": "app",
	"service":   "app",
	"host":      "host-1",
	"path":      "/srv/app",
	"image":     "app:latest",
}

// resolveTemplate replaces {name} placeholders using the given values.
// Unknown placeholders are left intact.
func resolveTemplate(tmpl string, values map[string]string) string {
	out := tmpl
	for k, v := range values {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// ResolveCommand renders an action's command template with the caller's
// parameters.
func ResolveCommand(def Definition, params map[string]string) string {
	return resolveTemplate(def.Command, params)
}

// Get returns a definition by name.
func (c *Catalog) Get(name string) (Definition, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// Names returns all action names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// ByTier returns the definitions of a tier in name order.
func (c *Catalog) ByTier(tier Tier) []Definition {
	var out []Definition
	for _, name := range c.names {
		if def := c.byName[name]; def.Tier == tier {
			out = append(out, def)
		}
	}
	return out
}

// Summaries returns the listing view for the control surface.
func (c *Catalog) Summaries() []Summary {
	out := make([]Summary, 0, len(c.names))
	for _, name := range c.names {
		def := c.byName[name]
		out = append(out, Summary{Name: def.Name, Tier: def.Tier, Category: def.Category, Risk: def.RiskLevel})
	}
	return out
}

// Len returns the number of loaded definitions.
func (c *Catalog) Len() int {
	return len(c.byName)
}

// Watch logs a warning whenever a definition file changes on disk. The
// catalog itself stays immutable; a restart picks up the new definitions.
func Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create actions watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var lastLogged time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Editors fire bursts of events; one warning per burst is enough.
				if time.Since(lastLogged) < 2*time.Second {
					continue
				}
				lastLogged = time.Now()
				log.Warn().
					Str("file", event.Name).
					Msg("Action definitions changed on disk; restart required to apply")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Actions watcher error")
			}
		}
	}()

	return nil
}
