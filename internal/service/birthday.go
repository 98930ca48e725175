package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/repository"
)

// BirthdayStrategy sends birthday greetings. Each rule fires once per user
// per day, on the first run at or after its send time.
type BirthdayStrategy struct {
	users   repository.UserRepository
	intents intentSink
	loc     *time.Location
	now     func() time.Time
	logger  *zap.Logger
}

func NewBirthdayStrategy(users repository.UserRepository, intents intentSink, loc *time.Location, logger *zap.Logger) *BirthdayStrategy {
	if loc == nil {
		loc = time.UTC
	}
	return &BirthdayStrategy{users: users, intents: intents, loc: loc, now: time.Now, logger: nopLogger(logger)}
}

func (s *BirthdayStrategy) Evaluate(ctx context.Context, promo *model.Promotion) error {
	settings, err := promo.BirthdaySettings()
	if err != nil {
		return err
	}

	local := s.now().In(s.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	for _, rule := range settings.Notifications {
		hour, minute, err := rule.SendClock()
		if err != nil {
			return err
		}
		// runs before the send time wait; any later run the same day catches up
		if local.Before(today.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)) {
			continue
		}

		target := today.AddDate(0, 0, rule.DaysBefore)
		users, err := s.birthdayUsers(ctx, target)
		if err != nil {
			return err
		}

		for _, u := range users {
			in := model.Intent{
				Key:    birthdayKey(promo.ID, rule.DaysBefore, hour, minute, u.ID, today),
				UserID: u.ID,
				Kind:   model.EventBirthday,
				Title:  personalize(rule.Title, &u),
				Body:   personalize(rule.Body, &u),
				Data: map[string]string{
					"promotion_id": strconv.FormatInt(promo.ID, 10),
					"days_before":  strconv.Itoa(rule.DaysBefore),
				},
			}
			if err := s.intents.Raise(ctx, in); err != nil {
				metrics.IncSweepError(model.PromotionBirthday)
				s.logger.Warn("birthday intent failed",
					zap.Int64("promotion_id", promo.ID),
					zap.Int64("user_id", u.ID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// birthdayUsers returns users whose birthday falls on target. Feb 29
// birthdays are celebrated on Feb 28 in non-leap years.
func (s *BirthdayStrategy) birthdayUsers(ctx context.Context, target time.Time) ([]model.User, error) {
	users, err := s.users.ListBirthdaysWithActiveDevice(ctx, target.Month(), target.Day())
	if err != nil {
		return nil, err
	}
	if target.Month() == time.February && target.Day() == 28 && !isLeap(target.Year()) {
		leaplings, err := s.users.ListBirthdaysWithActiveDevice(ctx, time.February, 29)
		if err != nil {
			return nil, err
		}
		users = append(users, leaplings...)
	}
	return users, nil
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// personalize fills the {name} placeholder.
func personalize(text string, u *model.User) string {
	return strings.ReplaceAll(text, "{name}", u.FirstName)
}

// birthdayKey identifies a rule by its offset and send time, not its position,
// so editing the rule list never re-sends a greeting that already went out.
func birthdayKey(promoID int64, daysBefore, hour, minute int, userID int64, day time.Time) string {
	return fmt.Sprintf("birthday:%d:%dd@%02d%02d:%d:%s", promoID, daysBefore, hour, minute, userID, day.Format("2006-01-02"))
}
