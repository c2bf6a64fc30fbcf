package vast

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
)

// SearchCriteria is the offer filter. Nil pointer fields mean "no
// constraint".
type SearchCriteria struct {
	GPUName        string   `yaml:"gpu_name"`
	NumGPUs        int      `yaml:"num_gpus"`
	Geolocations   []string `yaml:"geolocations"`
	DiskSpaceGBMin *float64 `yaml:"disk_space_gb_min"`
	MinDPH         *float64 `yaml:"min_dph"`
	MaxDPH         *float64 `yaml:"max_dph"`
	UseDPHTotal    bool     `yaml:"use_dph_total"`
	InetDownMin    *float64 `yaml:"inet_down_min"`
	InetUpMin      *float64 `yaml:"inet_up_min"`
	Rentable       *bool    `yaml:"rentable"`
	Verified       *bool    `yaml:"verified"`
	RelaxGeo       bool     `yaml:"relax_geo"`
}

// query converts the criteria to the API's field->op->value shape.
func (sc SearchCriteria) query() map[string]any {
	q := map[string]any{}
	if sc.GPUName != "" {
		q["gpu_name"] = map[string]any{"eq": sc.GPUName}
	}
	if sc.NumGPUs > 0 {
		q["num_gpus"] = map[string]any{"eq": sc.NumGPUs}
	}
	if len(sc.Geolocations) > 0 {
		q["geolocation"] = map[string]any{"in": sc.Geolocations}
	}
	if sc.DiskSpaceGBMin != nil {
		q["disk_space"] = map[string]any{"gte": *sc.DiskSpaceGBMin}
	}
	priceField := "dph"
	if sc.UseDPHTotal {
		priceField = "dph_total"
	}
	price := map[string]any{}
	if sc.MinDPH != nil {
		price["gte"] = *sc.MinDPH
	}
	if sc.MaxDPH != nil {
		price["lte"] = *sc.MaxDPH
	}
	if len(price) > 0 {
		q[priceField] = price
	}
	if sc.InetDownMin != nil {
		q["inet_down"] = map[string]any{"gte": *sc.InetDownMin}
	}
	if sc.InetUpMin != nil {
		q["inet_up"] = map[string]any{"gte": *sc.InetUpMin}
	}
	if sc.Rentable != nil {
		q["rentable"] = map[string]any{"eq": *sc.Rentable}
	}
	if sc.Verified != nil {
		q["verified"] = map[string]any{"eq": *sc.Verified}
	}
	return q
}

// Searcher runs offer searches with progressively relaxed criteria until
// something matches.
type Searcher struct {
	client   *Client
	criteria SearchCriteria
}

func NewSearcher(client *Client, criteria SearchCriteria) *Searcher {
	return &Searcher{client: client, criteria: criteria}
}

// SearchWithFallback tries the full criteria, then relaxes geolocation,
// then price, then falls back to GPU name only. Returns the first non-empty
// result set.
func (s *Searcher) SearchWithFallback(ctx context.Context) ([]Offer, error) {
	log.Info().Msg("searching offers with full criteria")
	offers, err := s.client.SearchOffers(ctx, s.criteria.query())
	if err != nil {
		return nil, err
	}
	if len(offers) > 0 {
		return offers, nil
	}

	if s.criteria.RelaxGeo && len(s.criteria.Geolocations) > 0 {
		log.Info().Msg("no offers, relaxing geolocation")
		relaxed := s.criteria
		relaxed.Geolocations = nil
		if offers, err = s.client.SearchOffers(ctx, relaxed.query()); err != nil {
			return nil, err
		}
		if len(offers) > 0 {
			return offers, nil
		}
	}

	if s.criteria.MaxDPH != nil {
		log.Info().Msg("no offers, relaxing price ceiling")
		relaxed := s.criteria
		relaxed.MaxDPH = nil
		relaxed.MinDPH = nil
		if offers, err = s.client.SearchOffers(ctx, relaxed.query()); err != nil {
			return nil, err
		}
		if len(offers) > 0 {
			return offers, nil
		}
	}

	log.Info().Msg("no offers, retrying with minimal criteria")
	minimal := SearchCriteria{GPUName: s.criteria.GPUName, Rentable: s.criteria.Rentable}
	if offers, err = s.client.SearchOffers(ctx, minimal.query()); err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		log.Error().Msg("no offers found after all strategies")
	}
	return offers, nil
}

// SelectBest returns the cheapest offer by the configured price field, or
// nil for an empty slice.
func (s *Searcher) SelectBest(offers []Offer) *Offer {
	if len(offers) == 0 {
		return nil
	}
	price := func(o Offer) float64 {
		if s.criteria.UseDPHTotal {
			return o.DPHTotal
		}
		return o.DPH
	}
	sorted := make([]Offer, len(offers))
	copy(sorted, offers)
	sort.Slice(sorted, func(i, j int) bool { return price(sorted[i]) < price(sorted[j]) })
	best := sorted[0]
	log.Info().Int64("offer", best.ID).Str("gpu", best.GPUName).
		Float64("dph_total", best.DPHTotal).Msg("selected offer")
	return &best
}
