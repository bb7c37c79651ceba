// Package pricing holds the kind/tier cost table and the admission-time
// validation rules for generation requests.
package pricing

import (
	"fmt"

	"github.com/psvps2-byte/kling-site/internal/domain"
)

const (
	photoPointsPerImage = 3
	portraitPoints      = 5

	maxPhotoCount            = 9
	maxMotionControlDuration = 30

	// RefundCeiling is the sanity cap on a single refund or credit.
	RefundCeiling = 100000
)

// image2VideoPoints is keyed by tier then duration in seconds.
var image2VideoPoints = map[domain.Tier]map[int]int{
	domain.TierStandard: {5: 20, 10: 40},
	domain.TierPro:      {5: 35, 10: 70},
}

// motionControlPerSecond is the per-second rate by tier.
var motionControlPerSecond = map[domain.Tier]int{
	domain.TierStandard: 4,
	domain.TierPro:      7,
}

// Validate checks the payload against the rules for the kind. It returns an
// error wrapping domain.ErrValidation so admission can reject without side
// effects.
func Validate(kind domain.Kind, tier domain.Tier, p domain.Payload) error {
	if p.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	switch kind {
	case domain.KindPhoto:
		if p.Count < 1 || p.Count > maxPhotoCount {
			return fmt.Errorf("%w: photo count must be between 1 and %d", domain.ErrValidation, maxPhotoCount)
		}
		if tier != "" {
			return fmt.Errorf("%w: tier does not apply to photo jobs", domain.ErrValidation)
		}
	case domain.KindPortrait:
		if p.Count > 1 {
			return fmt.Errorf("%w: portrait jobs produce a single image", domain.ErrValidation)
		}
		if tier != "" {
			return fmt.Errorf("%w: tier does not apply to portrait jobs", domain.ErrValidation)
		}
	case domain.KindImage2Video:
		if p.ImageURL == "" {
			return fmt.Errorf("%w: start image is required", domain.ErrValidation)
		}
		if p.DurationSeconds != 5 && p.DurationSeconds != 10 {
			return fmt.Errorf("%w: duration must be 5 or 10 seconds", domain.ErrValidation)
		}
		if p.TailImageURL != "" && tier != domain.TierPro {
			return fmt.Errorf("%w: start and end frames require the pro tier", domain.ErrValidation)
		}
	case domain.KindMotionControl:
		if p.ImageURL == "" {
			return fmt.Errorf("%w: reference image is required", domain.ErrValidation)
		}
		if p.DurationSeconds < 1 || p.DurationSeconds > maxMotionControlDuration {
			return fmt.Errorf("%w: duration must be between 1 and %d seconds", domain.ErrValidation, maxMotionControlDuration)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, kind)
	}
	if kind.Video() {
		switch tier {
		case domain.TierStandard, domain.TierPro:
		default:
			return fmt.Errorf("%w: tier must be STANDARD or PRO", domain.ErrValidation)
		}
	}
	return nil
}

// Cost computes the point price for a validated request. The price is fixed
// at admission and charged exactly once.
func Cost(kind domain.Kind, tier domain.Tier, p domain.Payload) (int, error) {
	switch kind {
	case domain.KindPhoto:
		return photoPointsPerImage * p.Count, nil
	case domain.KindPortrait:
		return portraitPoints, nil
	case domain.KindImage2Video:
		cost, ok := image2VideoPoints[tier][p.DurationSeconds]
		if !ok {
			return 0, fmt.Errorf("%w: no price for tier %q duration %d", domain.ErrValidation, tier, p.DurationSeconds)
		}
		return cost, nil
	case domain.KindMotionControl:
		rate, ok := motionControlPerSecond[tier]
		if !ok {
			return 0, fmt.Errorf("%w: no rate for tier %q", domain.ErrValidation, tier)
		}
		return rate * p.DurationSeconds, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, kind)
}

// ExpectedCount derives how many artifacts the job must collect before it is
// DONE.
func ExpectedCount(kind domain.Kind, p domain.Payload) int {
	if kind == domain.KindPhoto {
		return p.Count
	}
	return 1
}
