package server

import (
	"net/http"
	"strconv"
)

// contentSecurityPolicy restricts the map page to its documented sources:
// self-hosted scripts/styles plus the Leaflet CDN and the configured tile
// hosts.
const contentSecurityPolicy = "default-src 'self'; " +
	"script-src 'self' https://unpkg.com; " +
	"style-src 'self' 'unsafe-inline' https://unpkg.com; " +
	"img-src 'self' data: https:; " +
	"connect-src 'self' ws: wss:"

// mapPage is the Leaflet shell. The frontend bootstraps itself from
// /api/config and /api/tile-providers; all rendering is client-side and out
// of scope here.
const mapPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>MeshForge Maps</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<style>
  html, body, #map { height: 100%; margin: 0; background: #111; }
</style>
</head>
<body>
<div id="map"></div>
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<script src="/static/meshforge_maps.js" defer></script>
</body>
</html>
`

func (s *Server) serveMapPage(w http.ResponseWriter, r *http.Request) {
	body := []byte(mapPage)
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", contentSecurityPolicy)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
