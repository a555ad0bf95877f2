package filetree

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"unicode"
)

const (
	// DevPort is the port the scaffolded dev server binds to.
	DevPort = 5173
	// EntryPath is where EntryCode is written.
	EntryPath = "src/main.tsx"

	defaultName  = "web-app"
	defaultTitle = "Web App"
)

type scaffoldFile struct {
	path     string
	contents string
}

type manifest struct {
	Name            string            `json:"name"`
	Private         bool              `json:"private"`
	Version         string            `json:"version"`
	Type            string            `json:"type"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func scaffold(g Generated) []scaffoldFile {
	title := strings.TrimSpace(g.Title)
	if title == "" {
		title = defaultTitle
	}
	return []scaffoldFile{
		{path: "package.json", contents: packageJSON(PackageName(g.Title))},
		{path: "vite.config.js", contents: viteConfig},
		{path: "index.html", contents: fmt.Sprintf(indexHTML, html.EscapeString(title), EntryPath)},
		{path: EntryPath, contents: g.EntryCode},
	}
}

func packageJSON(name string) string {
	m := manifest{
		Name:    name,
		Private: true,
		Version: "0.0.0",
		Type:    "module",
		Scripts: map[string]string{
			"dev":     fmt.Sprintf("vite --port %d --host", DevPort),
			"build":   "vite build",
			"preview": "vite preview",
		},
		Dependencies: map[string]string{
			"react":     "^18.2.0",
			"react-dom": "^18.2.0",
		},
		DevDependencies: map[string]string{
			"@vitejs/plugin-react": "^4.0.0",
			"vite":                 "^4.3.9",
		},
	}
	// Marshalling a fixed struct of strings cannot fail.
	data, _ := json.MarshalIndent(m, "", "  ")
	return string(data) + "\n"
}

var viteConfig = fmt.Sprintf(`import { defineConfig } from 'vite';
import react from '@vitejs/plugin-react';

export default defineConfig({
  plugins: [react()],
  server: {
    host: true,
    strictPort: true,
    port: %d
  }
});
`, DevPort)

const indexHTML = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>%s</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/%s"></script>
  </body>
</html>
`

// PackageName derives an npm package name from a project title.
func PackageName(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimRight(b.String(), "-")
	if name == "" {
		return defaultName
	}
	if len(name) > 214 {
		name = strings.TrimRight(name[:214], "-")
	}
	return name
}
