package risk

// rmRecursiveForce matches rm with both recursive and force flags, combined or split.
const rmRecursiveForce = `\brm\s+(-[a-z]*(rf|fr)[a-z]*|-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|--recursive\s+--force|--force\s+--recursive)`

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Critical: []string{
			rmRecursiveForce,
			`--no-preserve-root`,
			`\bchmod\s+(-[a-z]+\s+)*0?777\b`,
			`\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`,
			`\bdd\s+(.*\s)?of=/dev/`,
			`>\s*/dev/(sd[a-z]|nvme\d|hd[a-z]|disk\d)`,
			`\bmkfs(\.[a-z0-9]+)?\b`,
			`:\(\)\s*\{.*\|.*&\s*\}\s*;`,
			`\bformat\s+[a-z]:`,
		},
		High: []string{
			`\bgit\s+push\b.*\s(-f|--force)\b`,
			`\bgit\s+reset\s+(.*\s)?--hard\b`,
			`\bgit\s+clean\s+(.*\s)?-[a-z]*f`,
			`\b(npm|yarn|pnpm)\s+publish\b`,
			`\bcargo\s+publish\b`,
			`\btwine\s+upload\b`,
			`\bgem\s+push\b`,
			`\bdocker\s+(rm|rmi|kill)\b`,
			`\bdocker\s+(system|volume|image|container|network)\s+(prune|rm)\b`,
			`\bkubectl\s+delete\b`,
			`\bhelm\s+(uninstall|delete)\b`,
			`\bterraform\s+destroy\b`,
			`\bdrop\s+(table|database|schema)\b`,
			`\btruncate\s+table\b`,
		},
		Medium: []string{
			`\b(npm|yarn|pnpm)\s+(install|i|add)\b`,
			`\bpip3?\s+install\b`,
			`\b(cargo|go|brew)\s+install\b`,
			`\bgo\s+get\b`,
			`\b(apt|apt-get|yum|dnf)\s+install\b`,
			`\bdocker\s+(run|exec)\b`,
			`\bdocker[\s-]compose\s+up\b`,
			`\bgit\s+(checkout|switch|merge|rebase)\b`,
			`\b(kubectl|helm)\s+(apply|install|upgrade)\b`,
			`\bterraform\s+apply\b`,
		},
		ShellTools: []string{
			"bash",
			"shell",
			"sh",
			"exec",
			"run_command",
			"execute_command",
			"run_terminal_cmd",
			"terminal",
			"powershell",
		},
	}
}
