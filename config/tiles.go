package config

// TileProvider describes a Leaflet tile layer option served to the frontend.
type TileProvider struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
	MaxZoom     int    `json:"max_zoom"`
}

// TileProviders lists the available base map layers.
var TileProviders = map[string]TileProvider{
	"carto_dark": {
		Name:        "CartoDB Dark Matter",
		URL:         "https://{s}.basemaps.cartocdn.com/dark_all/{z}/{x}/{y}{r}.png",
		Attribution: `&copy; <a href="https://www.openstreetmap.org/copyright">OSM</a> &copy; <a href="https://carto.com/">CARTO</a>`,
		MaxZoom:     20,
	},
	"osm_standard": {
		Name:        "OpenStreetMap",
		URL:         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors`,
		MaxZoom:     19,
	},
	"osm_topo": {
		Name:        "OpenTopoMap",
		URL:         "https://tile.opentopomap.org/{z}/{x}/{y}.png",
		Attribution: `&copy; <a href="https://opentopomap.org">OpenTopoMap</a> (CC-BY-SA)`,
		MaxZoom:     17,
	},
	"esri_satellite": {
		Name:        "Esri Satellite",
		URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
		Attribution: "&copy; Esri &mdash; Source: Esri, Maxar, Earthstar Geographics",
		MaxZoom:     19,
	},
	"esri_topo": {
		Name:        "Esri Topographic",
		URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Topo_Map/MapServer/tile/{z}/{y}/{x}",
		Attribution: "&copy; Esri &mdash; Sources: Esri, HERE, Garmin, USGS, NGA",
		MaxZoom:     19,
	},
}

// NetworkColors maps source networks to their display colours.
var NetworkColors = map[string]string{
	"meshtastic": "#66bb6a",
	"reticulum":  "#ab47bc",
	"aredn":      "#ff7043",
	"hamclock":   "#42a5f5",
}
