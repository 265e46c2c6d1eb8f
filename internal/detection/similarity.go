package detection

import (
	"math"
	"strings"

	"github.com/savegress/spendguard/pkg/models"
)

// Factor weights. Together they sum to 100; when a factor cannot be
// evaluated (location missing on either side) its weight is excluded from
// the normalization denominator so the remaining factors still produce a
// 0-100 confidence.
const (
	weightContent  = 40.0
	weightAmount   = 25.0
	weightTime     = 20.0
	weightLocation = 15.0
)

const earthRadiusKm = 6371.0

// ScoreResult is the outcome of comparing two fingerprints. The factor
// strings are audit annotations only; they never influence the confidence.
type ScoreResult struct {
	Confidence float64
	Factors    []string

	// Raw comparison values, carried into alert details.
	TimeDifferenceHours float64
	DistanceKm          *float64
}

// Scorer computes a 0-100 confidence that two fingerprints represent the
// same underlying transaction.
type Scorer struct{}

// NewScorer creates a similarity scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score compares two fingerprints. The computation is symmetric:
// Score(a, b) and Score(b, a) always yield the same confidence.
func (s *Scorer) Score(a, b *models.ReceiptFingerprint) ScoreResult {
	var result ScoreResult
	var weighted, totalWeight float64

	// Content: exact hash match scores full weight, otherwise the weight is
	// scaled by the token-overlap ratio of the two extracted texts.
	contentSim := 0.0
	if a.ContentHash == b.ContentHash {
		contentSim = 100
		result.Factors = append(result.Factors, "content identical")
	} else {
		contentSim = tokenOverlap(a.ExtractedText, b.ExtractedText)
		if contentSim >= 80 {
			result.Factors = append(result.Factors, "content highly similar")
		}
	}
	weighted += weightContent * contentSim / 100
	totalWeight += weightContent

	// Amount: relative difference against the larger amount.
	amountSim := amountSimilarity(a, b)
	if amountSim == 100 {
		result.Factors = append(result.Factors, "amount identical")
	} else if amountSim >= 95 {
		result.Factors = append(result.Factors, "amount within tolerance")
	}
	weighted += weightAmount * amountSim / 100
	totalWeight += weightAmount

	// Time: full score at zero hours apart, zero at 25 hours.
	hours := math.Abs(a.Timestamp.Sub(b.Timestamp).Hours())
	result.TimeDifferenceHours = hours
	timeSim := math.Max(0, 100-hours*4)
	if hours < 1 {
		result.Factors = append(result.Factors, "time gap < 1h")
	}
	weighted += weightTime * timeSim / 100
	totalWeight += weightTime

	// Location: only when both fingerprints carry one. When absent, the
	// weight stays out of the denominator entirely.
	if a.Location != nil && b.Location != nil {
		km := haversineKm(a.Location.Lat, a.Location.Lng, b.Location.Lat, b.Location.Lng)
		result.DistanceKm = &km
		locSim := math.Max(0, 100-km*20)
		if km <= 0.1 {
			result.Factors = append(result.Factors, "location within 100 m")
		}
		weighted += weightLocation * locSim / 100
		totalWeight += weightLocation
	}

	result.Confidence = weighted / totalWeight * 100
	return result
}

// amountSimilarity returns max(0, 100 - |a-b|/max(a,b)*100). Two zero
// amounts are treated as identical rather than undefined.
func amountSimilarity(a, b *models.ReceiptFingerprint) float64 {
	av := a.Amount.InexactFloat64()
	bv := b.Amount.InexactFloat64()
	larger := math.Max(math.Abs(av), math.Abs(bv))
	if larger == 0 {
		return 100
	}
	return math.Max(0, 100-math.Abs(av-bv)/larger*100)
}

// tokenOverlap computes the intersection of whitespace-split lowercase
// tokens divided by the larger token set, as a percentage.
func tokenOverlap(a, b string) float64 {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	common := 0
	for tok := range tokensA {
		if tokensB[tok] {
			common++
		}
	}
	larger := len(tokensA)
	if len(tokensB) > larger {
		larger = len(tokensB)
	}
	return float64(common) / float64(larger) * 100
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = true
	}
	return set
}

// haversineKm returns the great-circle distance between two points on an
// Earth radius of 6371 km.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}
