package validator

// defaultForbiddenRules is the unified forbidden catalog. Regex rules are
// compiled case-insensitively; substring and path-prefix rules are matched
// against the lowercased command. Keep one list: a second overlay that
// drifts out of sync is how wipes slip through.
func defaultForbiddenRules() []ForbiddenRule {
	return []ForbiddenRule{
		// Disk wipes and filesystem destruction
		{Kind: MatchRegex, Pattern: `^rm\s+-rf\s+/`},
		{Kind: MatchRegex, Pattern: `rm\s+-rf\s+/\*`},
		{Kind: MatchRegex, Pattern: `rm\s+--no-preserve-root`},
		{Kind: MatchRegex, Pattern: `\bmkfs(\.\w+)?\b`},
		{Kind: MatchRegex, Pattern: `\bdd\s+.*of=/dev/`},
		{Kind: MatchRegex, Pattern: `>\s*/dev/(sd|nvme|vd)`},
		{Kind: MatchRegex, Pattern: `\bwipefs\b`},
		{Kind: MatchRegex, Pattern: `\bblkdiscard\b`},

		// Host shutdown and power control
		{Kind: MatchRegex, Pattern: `^shutdown(\s|$)`},
		{Kind: MatchRegex, Pattern: `^reboot(\s|$)`},
		{Kind: MatchRegex, Pattern: `^poweroff(\s|$)`},
		{Kind: MatchRegex, Pattern: `^halt(\s|$)`},
		{Kind: MatchRegex, Pattern: `^init\s+0`},

		// Root ownership and permission bombs
		{Kind: MatchRegex, Pattern: `chmod\s+(-r\s+)?777\s+/`},
		{Kind: MatchRegex, Pattern: `chown\s+-r\s+\S+\s+/$`},

		// Fork bombs
		{Kind: MatchRegex, Pattern: `:\(\)\s*{\s*:\s*\|\s*:`},

		// Piping the network into a shell
		{Kind: MatchRegex, Pattern: `(curl|wget)\s+[^|]*\|\s*(ba|z|da)?sh`},
		{Kind: MatchRegex, Pattern: `(ba)?sh\s+-c\s+.*(curl|wget)`},

		// Kernel and network sabotage
		{Kind: MatchRegex, Pattern: `sysctl\s+-w`},
		{Kind: MatchRegex, Pattern: `>\s*/proc/sys/`},
		{Kind: MatchRegex, Pattern: `ip\s+link\s+(delete|del)\b`},
		{Kind: MatchRegex, Pattern: `ip\s+addr\s+flush`},
		{Kind: MatchRegex, Pattern: `iptables\s+(-f|--flush)`},

		// Remote-exec listeners
		{Kind: MatchRegex, Pattern: `\bnc\s+(-\S*\s+)*-e\b`},
		{Kind: MatchRegex, Pattern: `\bncat\s+.*--exec`},

		// Substring overlays for things no template may ever mention
		{Kind: MatchSubstring, Pattern: "mkfs."},
		{Kind: MatchSubstring, Pattern: "--no-preserve-root"},
		{Kind: MatchSubstring, Pattern: "xmrig"},

		// Paths that commands may never reference
		{Kind: MatchPathPrefix, Pattern: "/boot"},
		{Kind: MatchPathPrefix, Pattern: "/etc/shadow"},
		{Kind: MatchPathPrefix, Pattern: "/etc/sudoers"},
	}
}

// defaultAllowRules is ordered from most specific to most general; the first
// matching rule decides risk and the approval flag.
func defaultAllowRules() []AllowRule {
	return []AllowRule{
		{
			Name: "docker-inspect",
			Risk: RiskSafe,
			Patterns: []string{
				`^docker\s+ps(\s|$)`,
				`^docker\s+logs\s`,
				`^docker\s+inspect\s`,
				`^docker\s+stats\s+--no-stream`,
				`^docker\s+top\s`,
				`^docker\s+images(\s|$)`,
				`^docker\s+system\s+df(\s|$)`,
				`^docker\s+network\s+ls(\s|$)`,
				`^docker\s+volume\s+ls(\s|$)`,
			},
		},
		{
			Name: "system-inspect",
			Risk: RiskSafe,
			Patterns: []string{
				`^ps(\s|$)`,
				`^top\s+-bn`,
				`^df(\s|$)`,
				`^du(\s|$)`,
				`^free(\s|$)`,
				`^uptime$`,
				`^hostname$`,
				`^uname(\s|$)`,
				`^lsblk(\s|$)`,
				`^vmstat(\s|$)`,
				`^iostat(\s|$)`,
				`^cat\s+/proc/`,
				`^ls(\s|$)`,
				`^stat(\s|$)`,
			},
		},
		{
			Name: "log-read",
			Risk: RiskLow,
			Patterns: []string{
				`^journalctl\s`,
				`^(cat|tail|head|grep)\s+.*(/var/log/|/log/)`,
				`^dmesg(\s|$)`,
			},
		},
		{
			Name: "service-status",
			Risk: RiskLow,
			Patterns: []string{
				`^systemctl\s+status\s`,
				`^systemctl\s+is-active\s`,
				`^systemctl\s+is-enabled\s`,
				`^systemctl\s+list-units`,
				`^service\s+\S+\s+status`,
			},
		},
		{
			Name: "network-inspect",
			Risk: RiskLow,
			Patterns: []string{
				`^ping\s+-c\s+\d+\s`,
				`^ss(\s|$)`,
				`^netstat(\s|$)`,
				`^ip\s+(addr|route|link)(\s|$)`,
				`^dig\s`,
				`^nslookup\s`,
				`^traceroute\s`,
			},
		},
		{
			Name:             "container-control",
			Risk:             RiskMedium,
			RequiresApproval: true,
			Patterns: []string{
				`^docker\s+(restart|stop|start)\s`,
				`^docker\s+compose\s+(restart|up|down)\b`,
				`^docker\s+update\s`,
			},
		},
		{
			Name:             "service-control",
			Risk:             RiskMedium,
			RequiresApproval: true,
			Patterns: []string{
				`^systemctl\s+(restart|reload|start|stop)\s`,
				`^service\s+\S+\s+(restart|reload|start|stop)$`,
			},
		},
		{
			Name:             "storage-maintenance",
			Risk:             RiskMedium,
			RequiresApproval: true,
			Patterns: []string{
				`^docker\s+(system|image|container|volume)\s+prune(\s|$)`,
				`^docker\s+rmi\s`,
				`^journalctl\s+--vacuum-(size|time)=`,
				`^mount\s+-a$`,
				`^umount\s+\S+$`,
			},
		},
		{
			Name:             "host-maintenance",
			Risk:             RiskHigh,
			RequiresApproval: true,
			Patterns: []string{
				`^docker\s+(rm|kill)\s`,
				`^docker\s+run\s`,
				`^kill\s+-?\d*\s*\d+$`,
				`^pkill\s+\S+$`,
				`^certbot\s+renew\b`,
				`^apt(-get)?\s+(update|upgrade|install)\b`,
			},
		},
	}
}
