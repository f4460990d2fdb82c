package ruleset

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stage-batch/internal/stage"
)

// ErrInvalidCondition is wrapped by every Validate failure.
var ErrInvalidCondition = eris.New("ruleset: invalid condition")

// Validate rejects malformed definitions before they reach evaluation. All
// problems are reported together.
func Validate(conds []stage.Condition) error {
	var errs []string
	seen := make(map[int]bool, len(conds))

	for i, c := range conds {
		if c == nil {
			errs = append(errs, fmt.Sprintf("condition #%d is nil", i))
			continue
		}
		def := c.Base()
		prefix := fmt.Sprintf("condition %d", def.ID)

		if def.ID <= 0 {
			errs = append(errs, prefix+": id must be positive")
		}
		if seen[def.ID] {
			errs = append(errs, prefix+": duplicate id")
		}
		seen[def.ID] = true

		if !def.Type.Valid() {
			errs = append(errs, fmt.Sprintf("%s: unknown condition type %q", prefix, def.Type))
		}
		if strings.TrimSpace(def.Name) == "" {
			errs = append(errs, prefix+": name is required")
		}
		if def.ValidFrom.IsZero() || def.ValidTo.IsZero() {
			errs = append(errs, prefix+": validity window is required")
		} else if def.ValidTo.Before(def.ValidFrom) {
			errs = append(errs, prefix+": valid_to is before valid_from")
		}

		switch v := c.(type) {
		case stage.StageCondition:
			if !v.StageCode.Valid() {
				errs = append(errs, fmt.Sprintf("%s: unknown stage code %d", prefix, int(v.StageCode)))
			}
			if v.MinValue.IsNegative() {
				errs = append(errs, prefix+": min_value is negative")
			}
			if v.MinValue.GreaterThan(v.MaxValue) {
				errs = append(errs, fmt.Sprintf("%s: min_value %s exceeds max_value %s", prefix, v.MinValue, v.MaxValue))
			}
		case stage.RankChangeCondition:
			if v.ThresholdValue.IsNegative() {
				errs = append(errs, prefix+": threshold_value is negative")
			}
			if v.RankChangeLevels < 0 {
				errs = append(errs, prefix+": rank_change_levels is negative")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unsupported variant %T", prefix, c))
		}
	}

	if len(errs) > 0 {
		return eris.Wrap(ErrInvalidCondition, strings.Join(errs, "; "))
	}
	return nil
}
