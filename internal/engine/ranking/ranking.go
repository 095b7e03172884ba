// Package ranking orders candidate personnel for a service by proximity,
// workload equity and rotation opportunity. It is pure and advisory.
package ranking

import (
	"math"
	"sort"
	"strings"
	"time"

	"custodia/internal/domain"
)

// MaxServicesPerDay is the hard daily cap. Personnel at the cap are never
// offered as available.
const MaxServicesPerDay = 3

const (
	WeightProximity   = 0.60
	WeightEquity      = 0.25
	WeightOpportunity = 0.15

	restGap        = 8 * time.Hour
	nearKm         = 10.0
	farKm          = 150.0
	rotationPeriod = 7 * 24 * time.Hour
)

type Availability string

const (
	Available         Availability = "disponible"
	PartiallyOccupied Availability = "parcialmente_ocupado"
	Occupied          Availability = "ocupado"
	Unavailable       Availability = "no_disponible"
)

// ServiceContext describes the service being staffed.
type ServiceContext struct {
	At          time.Time
	Zone        string
	Lat         *float64
	Lon         *float64
	ServiceType string
}

// Candidate is a directory record plus its workload around the service day.
type Candidate struct {
	Personnel     domain.Personnel
	ServicesToday int
	LastServiceAt *time.Time

	// Commitments are the same-day appointment times of the candidate.
	Commitments []time.Time
}

type Breakdown struct {
	Proximity   float64 `json:"proximity"`
	Temporal    float64 `json:"temporal"`
	Zone        float64 `json:"zone"`
	Operational float64 `json:"operational"`
	Equity      float64 `json:"equity"`
	Opportunity float64 `json:"opportunity"`
}

type Scored struct {
	Personnel     domain.Personnel `json:"personnel"`
	Availability  Availability     `json:"availability"`
	ServicesToday int              `json:"services_today"`
	ScoreTotal    float64          `json:"score_total"`
	Breakdown     Breakdown        `json:"breakdown"`
	Reason        string           `json:"reason,omitempty"`
}

type Ranking struct {
	Disponibles          []Scored `json:"disponibles"`
	ParcialmenteOcupados []Scored `json:"parcialmente_ocupados"`
	Ocupados             []Scored `json:"ocupados"`
	NoDisponibles        []Scored `json:"no_disponibles"`
}

// Rank partitions and orders candidates for ctx.
func Rank(candidates []Candidate, ctx ServiceContext) Ranking {
	r := Ranking{
		Disponibles:          []Scored{},
		ParcialmenteOcupados: []Scored{},
		Ocupados:             []Scored{},
		NoDisponibles:        []Scored{},
	}
	for _, c := range candidates {
		if c.ServicesToday < 0 {
			c.ServicesToday = 0
		}
		entry := Scored{Personnel: c.Personnel, ServicesToday: c.ServicesToday}
		switch {
		case !c.Personnel.Active:
			entry.Availability = Unavailable
			entry.Reason = "inactive"
			r.NoDisponibles = append(r.NoDisponibles, entry)
			continue
		case c.ServicesToday >= MaxServicesPerDay:
			entry.Availability = Unavailable
			entry.Reason = "daily service cap reached"
			r.NoDisponibles = append(r.NoDisponibles, entry)
			continue
		}
		entry.Breakdown = score(c, ctx)
		entry.ScoreTotal = total(entry.Breakdown)
		switch c.ServicesToday {
		case 0:
			entry.Availability = Available
			r.Disponibles = append(r.Disponibles, entry)
		case 1:
			entry.Availability = PartiallyOccupied
			r.ParcialmenteOcupados = append(r.ParcialmenteOcupados, entry)
		default:
			entry.Availability = Occupied
			r.Ocupados = append(r.Ocupados, entry)
		}
	}
	for _, bucket := range [][]Scored{r.Disponibles, r.ParcialmenteOcupados, r.Ocupados, r.NoDisponibles} {
		order(bucket)
	}
	return r
}

func order(list []Scored) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.ScoreTotal != b.ScoreTotal {
			return a.ScoreTotal > b.ScoreTotal
		}
		if a.Personnel.ServiceCount != b.Personnel.ServiceCount {
			return a.Personnel.ServiceCount < b.Personnel.ServiceCount
		}
		return a.Personnel.ID < b.Personnel.ID
	})
}

func score(c Candidate, ctx ServiceContext) Breakdown {
	b := Breakdown{
		Temporal:    temporalFit(c.Commitments, ctx.At),
		Zone:        zoneFit(c.Personnel, ctx),
		Operational: operationalFit(c.Personnel, ctx.ServiceType),
		Equity:      Equity(c.ServicesToday),
		Opportunity: Opportunity(c.LastServiceAt, ctx.At),
	}
	b.Proximity = round2(0.4*b.Temporal + 0.4*b.Zone + 0.2*b.Operational)
	return b
}

func total(b Breakdown) float64 {
	v := WeightProximity*b.Proximity + WeightEquity*b.Equity + WeightOpportunity*b.Opportunity
	return round2(clamp(v, 0, 100))
}

// Equity lowers the score as the day's workload rises.
func Equity(servicesToday int) float64 {
	n := servicesToday
	if n < 0 {
		n = 0
	}
	if n > MaxServicesPerDay {
		n = MaxServicesPerDay
	}
	return round2(100 * (1 - float64(n)/MaxServicesPerDay))
}

// Opportunity favours personnel who have waited longer since their last service.
func Opportunity(last *time.Time, at time.Time) float64 {
	if last == nil || last.IsZero() {
		return 100
	}
	idle := at.Sub(*last)
	if idle <= 0 {
		return 0
	}
	return round2(math.Min(float64(idle)/float64(rotationPeriod), 1) * 100)
}

func temporalFit(commitments []time.Time, at time.Time) float64 {
	if len(commitments) == 0 {
		return 100
	}
	nearest := time.Duration(math.MaxInt64)
	for _, c := range commitments {
		gap := at.Sub(c)
		if gap < 0 {
			gap = -gap
		}
		if gap < nearest {
			nearest = gap
		}
	}
	if nearest >= restGap {
		return 100
	}
	return round2(100 * float64(nearest) / float64(restGap))
}

func zoneFit(p domain.Personnel, ctx ServiceContext) float64 {
	if p.Lat != nil && p.Lon != nil && ctx.Lat != nil && ctx.Lon != nil {
		km := HaversineKm(*p.Lat, *p.Lon, *ctx.Lat, *ctx.Lon)
		switch {
		case km <= nearKm:
			return 100
		case km >= farKm:
			return 0
		}
		return round2(100 * (farKm - km) / (farKm - nearKm))
	}
	if strings.TrimSpace(p.Zone) == "" || strings.TrimSpace(ctx.Zone) == "" {
		return 50
	}
	if strings.EqualFold(strings.TrimSpace(p.Zone), strings.TrimSpace(ctx.Zone)) {
		return 100
	}
	return 20
}

func operationalFit(p domain.Personnel, serviceType string) float64 {
	var v float64
	switch {
	case p.ProductivityScore > 0:
		v = clamp(p.ProductivityScore, 0, 100)
	case p.AcceptanceRate == 0 && p.ResponseRate == 0 && p.Rating == 0:
		v = 50
	default:
		v = (clamp(p.AcceptanceRate, 0, 1)*100 + clamp(p.ResponseRate, 0, 1)*100 + clamp(p.Rating, 0, 5)/5*100) / 3
	}
	if serviceType != "" && len(p.ServiceTypes) > 0 && !hasType(p.ServiceTypes, serviceType) {
		v /= 2
	}
	return round2(v)
}

func hasType(types []string, target string) bool {
	for _, t := range types {
		if strings.EqualFold(strings.TrimSpace(t), target) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
