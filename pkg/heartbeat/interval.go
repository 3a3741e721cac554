package heartbeat

import (
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// FallbackInterval is used when an interval string does not parse.
// A documented fallback, not a silent failure; the parse logs a
// warning.
const FallbackInterval = time.Hour

var intervalPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// cronParser accepts standard 5-field expressions
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseInterval parses "<integer><unit>" with unit s, m, h or d.
// Unrecognized formats fall back to one hour.
func ParseInterval(s string) time.Duration {
	m := intervalPattern.FindStringSubmatch(s)
	if m == nil {
		log.Warn().Str("interval", s).Dur("fallback", FallbackInterval).Msg("Unrecognized interval format, using fallback")
		return FallbackInterval
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		log.Warn().Str("interval", s).Dur("fallback", FallbackInterval).Msg("Unrecognized interval format, using fallback")
		return FallbackInterval
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	default:
		return time.Duration(n) * 24 * time.Hour
	}
}

// nextAfter computes the task's next firing time after the given
// instant. Cron expressions take precedence over interval strings.
func nextAfter(t Task, from time.Time) time.Time {
	if t.Cron != "" {
		if sched, err := cronParser.Parse(t.Cron); err == nil {
			return sched.Next(from)
		}
		log.Warn().Str("task", t.Name).Str("cron", t.Cron).Msg("Invalid cron expression, using interval")
	}
	return from.Add(ParseInterval(t.Interval))
}
