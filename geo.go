package ddosguard

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// GeoInfo is the lookup result used to enrich alerts and status views.
// It never participates in blocking decisions.
type GeoInfo struct {
	IP          string  `json:"ip"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ISP         string  `json:"isp"`
	IsPrivate   bool    `json:"is_private"`
}

// GeoLookup resolves an IP to location metadata.
type GeoLookup interface {
	Lookup(ip string) (GeoInfo, error)
}

// HTTPGeoLookup queries an ip-api style JSON endpoint and caches results in
// memory. Private and loopback addresses are answered locally.
type HTTPGeoLookup struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	cache    map[string]geoCacheEntry
	maxCache int
	ttl      time.Duration

	now func() time.Time
}

type geoCacheEntry struct {
	info    GeoInfo
	expires time.Time
}

// NewHTTPGeoLookup builds a lookup client against baseURL (the IP is
// appended as a path segment).
func NewHTTPGeoLookup(baseURL string) *HTTPGeoLookup {
	return &HTTPGeoLookup{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		cache:    make(map[string]geoCacheEntry),
		maxCache: 1000,
		ttl:      24 * time.Hour,
		now:      time.Now,
	}
}

func (g *HTTPGeoLookup) Lookup(ip string) (GeoInfo, error) {
	if isPrivateAddress(ip) {
		return GeoInfo{
			IP:          ip,
			Country:     "Local Network",
			CountryCode: "LO",
			Region:      "Local",
			City:        "Local",
			IsPrivate:   true,
		}, nil
	}

	now := g.now()
	g.mu.Lock()
	if entry, ok := g.cache[ip]; ok && now.Before(entry.expires) {
		g.mu.Unlock()
		return entry.info, nil
	}
	g.mu.Unlock()

	resp, err := g.client.Get(fmt.Sprintf("%s/%s", g.baseURL, ip))
	if err != nil {
		return GeoInfo{IP: ip}, fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GeoInfo{IP: ip}, fmt.Errorf("geo lookup %s: status %d", ip, resp.StatusCode)
	}

	var payload struct {
		Country     string  `json:"country"`
		CountryCode string  `json:"countryCode"`
		RegionName  string  `json:"regionName"`
		City        string  `json:"city"`
		Lat         float64 `json:"lat"`
		Lon         float64 `json:"lon"`
		ISP         string  `json:"isp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return GeoInfo{IP: ip}, fmt.Errorf("geo lookup %s: decode: %w", ip, err)
	}

	info := GeoInfo{
		IP:          ip,
		Country:     payload.Country,
		CountryCode: payload.CountryCode,
		Region:      payload.RegionName,
		City:        payload.City,
		Latitude:    payload.Lat,
		Longitude:   payload.Lon,
		ISP:         payload.ISP,
	}

	g.mu.Lock()
	if len(g.cache) < g.maxCache {
		g.cache[ip] = geoCacheEntry{info: info, expires: now.Add(g.ttl)}
	}
	g.mu.Unlock()

	return info, nil
}

func isPrivateAddress(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
