package strategy

import (
	"net/http"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
)

const offlinePage = `<!DOCTYPE html>
<html lang="pt-BR">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>ROLÊ - Offline</title>
<style>
body{margin:0;min-height:100vh;display:flex;align-items:center;justify-content:center;background:#0a0a0a;color:#fafafa;font-family:system-ui,sans-serif;text-align:center}
h1{font-size:2rem;margin:0 0 .5rem}
p{color:#a3a3a3;margin:0 0 1.5rem}
button{background:#c026d3;color:#fff;border:0;border-radius:9999px;padding:.75rem 1.5rem;font-size:1rem;cursor:pointer}
</style>
</head>
<body>
<main>
<h1>ROLÊ</h1>
<p>Você está offline. Verifique sua conexão e tente novamente.</p>
<button onclick="location.reload()">Tentar novamente</button>
</main>
</body>
</html>
`

const placeholderImage = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">
<rect width="400" height="300" fill="#f3f4f6"/>
<text x="200" y="150" text-anchor="middle" dominant-baseline="middle" font-family="system-ui,sans-serif" font-size="16" fill="#6b7280">Imagem indisponível offline</text>
</svg>
`

// OfflinePage returns the page served to navigations with no network and no
// cached copy.
func OfflinePage() *cache.Entry {
	return synthesized("text/html; charset=utf-8", offlinePage)
}

// PlaceholderImage returns the image served when an image cannot be fetched
// and is not cached.
func PlaceholderImage() *cache.Entry {
	return synthesized("image/svg+xml", placeholderImage)
}

func synthesized(contentType, body string) *cache.Entry {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-store")
	return &cache.Entry{
		Status:      http.StatusOK,
		Header:      header,
		Data:        []byte(body),
		ContentType: contentType,
		Size:        int64(len(body)),
	}
}
