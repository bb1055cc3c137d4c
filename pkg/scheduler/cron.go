package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vespid-ai/vespid/pkg/errs"
)

// cronParser accepts the classic 5-field POSIX form, including the
// either-day rule for dom/dow.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron rejects expressions the scheduler cannot evaluate. Called at
// subscription create/update time so bad expressions never reach the poll
// loop.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return errs.Newf(errs.CodeInvalidCronExpression, "cron expression %q: %v", expr, err)
	}
	return nil
}

// nextCronFire computes the first matching time strictly after the given
// instant.
func nextCronFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errs.Newf(errs.CodeInvalidCronExpression, "cron expression %q: %v", expr, err)
	}
	return sched.Next(after.UTC()), nil
}
