package stream

import (
	"fmt"
	"math"
	"net/http"
	"time"
)

// Deprecation descreve o aviso enviado quando o token chega pela query.
type Deprecation struct {
	Sunset   time.Time
	GuideURL string
}

// DefaultSunset é a data de remoção do token por query.
var DefaultSunset = time.Date(2025, 10, 27, 0, 0, 0, 0, time.UTC)

func (d Deprecation) Apply(h http.Header, now time.Time) {
	sunset := d.Sunset
	if sunset.IsZero() {
		sunset = DefaultSunset
	}
	days := int(math.Ceil(sunset.Sub(now).Hours() / 24))
	if days < 0 {
		days = 0
	}

	h.Set("Deprecation", "true")
	h.Set("Sunset", sunset.UTC().Format(http.TimeFormat))
	h.Set("Warning", fmt.Sprintf(`299 - "Query-string stream tokens are deprecated; use the Authorization header. Removal on %s (%d days)"`,
		sunset.UTC().Format(time.DateOnly), days))
	h.Set("Cache-Control", "no-store")
	h.Set("X-API-Deprecation", "query-token")
	if d.GuideURL != "" {
		h.Set("Link", fmt.Sprintf(`<%s>; rel="deprecation"; title="Migration Guide"`, d.GuideURL))
	}
}
