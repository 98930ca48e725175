package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltycore/internal/model"
	"loyaltycore/internal/push"
	"loyaltycore/internal/repository"
)

// =============================================================================
// IN-MEMORY STORE
// =============================================================================
//
// memStore backs every repository interface with maps guarded by one mutex.
// Conditional updates are checked and applied under the lock, which is what
// the SQL WHERE clauses guarantee in production.

type memStore struct {
	mu sync.Mutex

	users      map[int64]*model.User
	categories map[int64][]int64
	bonusTx    []model.BonusTransaction
	purchases  map[string]model.Purchase

	promotions map[int64]*model.Promotion
	catalog    map[int64]model.GiftCatalog
	grants     map[string]int64

	gifts      map[int64]*model.Gift
	nextGiftID int64

	levels      []model.LoyaltyLevel
	levelGrants map[[2]int64]bool

	referrals map[int64]*model.UserReferralReward

	tokens      []*model.DeviceToken
	nextTokenID int64

	pushes     map[int64]*model.PushNotification
	nextPushID int64
	deliveries map[[2]int64]*model.PushDelivery

	events      map[string]*model.NotificationEvent
	nextEventID int64
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]*model.User),
		categories:  make(map[int64][]int64),
		purchases:   make(map[string]model.Purchase),
		promotions:  make(map[int64]*model.Promotion),
		catalog:     make(map[int64]model.GiftCatalog),
		grants:      make(map[string]int64),
		gifts:       make(map[int64]*model.Gift),
		levelGrants: make(map[[2]int64]bool),
		referrals:   make(map[int64]*model.UserReferralReward),
		pushes:      make(map[int64]*model.PushNotification),
		deliveries:  make(map[[2]int64]*model.PushDelivery),
		events:      make(map[string]*model.NotificationEvent),
	}
}

func (s *memStore) addUser(u model.User) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
	return &cp
}

func (s *memStore) user(id int64) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.users[id]
}

func (s *memStore) addToken(userID int64, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTokenID++
	s.tokens = append(s.tokens, &model.DeviceToken{
		ID: s.nextTokenID, UserID: userID, Token: token, IsActive: true, LastUsedAt: time.Now(),
	})
}

func (s *memStore) addPromotion(p model.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.promotions[p.ID] = &cp
}

func (s *memStore) addCatalog(items ...model.GiftCatalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.catalog[item.ID] = item
	}
}

func (s *memStore) giftsOf(userID int64) []model.Gift {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.giftsOfLocked(userID)
}

func (s *memStore) giftsOfLocked(userID int64) []model.Gift {
	var out []model.Gift
	for _, g := range s.gifts {
		if g.UserID == userID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) eventsOf(userID int64) []model.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.NotificationEvent
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) push(id int64) model.PushNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.pushes[id]
}

func (s *memStore) sortedUserIDs() []int64 {
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memStore) hasActiveTokenLocked(userID int64) bool {
	for _, t := range s.tokens {
		if t.UserID == userID && t.IsActive {
			return true
		}
	}
	return false
}

// memTx runs fn directly. Tests that need rollback do not use it.
type memTx struct{}

func (memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ repository.Transactor = memTx{}

// =============================================================================
// USERS
// =============================================================================

type memUsers struct{ *memStore }

var _ repository.UserRepository = memUsers{}

func (r memUsers) GetByID(ctx context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r memUsers) GetByPromoCode(ctx context.Context, code string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sortedUserIDs() {
		u := r.users[id]
		if u.PromoCode != nil && strings.EqualFold(*u.PromoCode, code) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrPromoCodeNotFound
}

func (r memUsers) page(afterID int64, limit int, keep func(*model.User) bool) []model.User {
	var out []model.User
	for _, id := range r.sortedUserIDs() {
		if id <= afterID || !keep(r.users[id]) {
			continue
		}
		out = append(out, *r.users[id])
		if len(out) == limit {
			break
		}
	}
	return out
}

func (r memUsers) ListPage(ctx context.Context, afterID int64, limit int) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page(afterID, limit, func(*model.User) bool { return true }), nil
}

func (r memUsers) ListByMinPurchaseSum(ctx context.Context, min decimal.Decimal, afterID int64, limit int) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page(afterID, limit, func(u *model.User) bool { return u.PurchaseSum.GreaterThanOrEqual(min) }), nil
}

func (r memUsers) ListBirthdaysWithActiveDevice(ctx context.Context, month time.Month, day int) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page(0, 1<<30, func(u *model.User) bool {
		return u.BirthDate != nil && u.BirthDate.Month() == month && u.BirthDate.Day() == day &&
			r.hasActiveTokenLocked(u.ID)
	}), nil
}

func (r memUsers) AddPurchaseSum(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return decimal.Zero, model.ErrUserNotFound
	}
	u.PurchaseSum = u.PurchaseSum.Add(amount)
	return u.PurchaseSum, nil
}

func (r memUsers) SetPurchaseSum(ctx context.Context, userID int64, sum decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return model.ErrUserNotFound
	}
	u.PurchaseSum = sum
	return nil
}

func (r memUsers) RaiseDiscount(ctx context.Context, userID int64, percent decimal.Decimal) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || !u.DiscountPercent.LessThan(percent) {
		return false, nil
	}
	u.DiscountPercent = percent
	return true, nil
}

func (r memUsers) AddBonus(ctx context.Context, userID int64, amount decimal.Decimal, reason, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return model.ErrUserNotFound
	}
	u.BonusBalance = u.BonusBalance.Add(amount)
	r.bonusTx = append(r.bonusTx, model.BonusTransaction{UserID: userID, Amount: amount, Reason: reason, Reference: reference})
	return nil
}

func (r memUsers) SetReferrer(ctx context.Context, userID, referrerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		u.ReferrerID = &referrerID
	}
	return nil
}

func (r memUsers) RecordPurchase(ctx context.Context, p model.Purchase) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.purchases[p.ExternalID]; ok {
		return false, nil
	}
	r.purchases[p.ExternalID] = p
	return true, nil
}

// =============================================================================
// PROMOTIONS AND GRANTS
// =============================================================================

type memPromotions struct{ *memStore }

var _ repository.PromotionRepository = memPromotions{}

func (r memPromotions) GetByID(ctx context.Context, id int64) (*model.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.promotions[id]
	if !ok {
		return nil, model.ErrPromotionNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memPromotions) ListLiveByType(ctx context.Context, promoType string, now time.Time) ([]model.Promotion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Promotion
	for _, p := range r.promotions {
		if p.Type == promoType && p.IsLive(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memPromotions) ClaimPushSent(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.promotions[id]
	if !ok || p.PushSent {
		return false, nil
	}
	p.PushSent = true
	return true, nil
}

func (r memPromotions) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, p := range r.promotions {
		if p.IsActive && p.EndDate != nil && p.EndDate.Before(now) {
			p.IsActive = false
			n++
		}
	}
	return n, nil
}

func (r memPromotions) GetCatalogItems(ctx context.Context, ids []int64) ([]model.GiftCatalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.GiftCatalog
	for _, id := range ids {
		if item, ok := r.catalog[id]; ok && item.IsActive {
			out = append(out, item)
		}
	}
	return out, nil
}

type memGrants struct{ *memStore }

func (r memGrants) Claim(ctx context.Context, key string, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[key]; ok {
		return false, nil
	}
	r.grants[key] = userID
	return true, nil
}

// =============================================================================
// GIFTS
// =============================================================================

type memGifts struct{ *memStore }

var _ repository.GiftRepository = memGifts{}

func (r memGifts) Create(ctx context.Context, gift *model.Gift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGiftID++
	gift.ID = r.nextGiftID
	gift.CreatedAt = time.Now()
	cp := *gift
	r.gifts[gift.ID] = &cp
	return nil
}

func (r memGifts) GetByID(ctx context.Context, id int64) (*model.Gift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gifts[id]
	if !ok {
		return nil, model.ErrGiftNotFound
	}
	cp := *g
	return &cp, nil
}

func (r memGifts) GetForUpdate(ctx context.Context, id int64) (*model.Gift, error) {
	return r.GetByID(ctx, id)
}

func (r memGifts) ListGroupForUpdate(ctx context.Context, groupID uuid.UUID) ([]model.Gift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Gift
	for _, g := range r.gifts {
		if g.GiftGroupID != nil && *g.GiftGroupID == groupID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memGifts) Transition(ctx context.Context, id int64, from, to string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gifts[id]
	if !ok || g.Status != from || g.VoidedAt != nil {
		return false, nil
	}
	if to == model.GiftSelected && g.GiftGroupID != nil {
		// a sibling selected concurrently voids this one first
		for _, sib := range r.gifts {
			if sib.ID != id && sib.GiftGroupID != nil && *sib.GiftGroupID == *g.GiftGroupID && sib.Status != model.GiftPending {
				return false, nil
			}
		}
	}
	g.Status = to
	switch to {
	case model.GiftSelected:
		g.SelectedAt = &at
	case model.GiftActivated:
		g.ActivatedAt = &at
	case model.GiftIssued:
		g.IssuedAt = &at
	}
	return true, nil
}

func (r memGifts) VoidSiblings(ctx context.Context, groupID uuid.UUID, exceptID int64, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, g := range r.gifts {
		if g.ID != exceptID && g.GiftGroupID != nil && *g.GiftGroupID == groupID &&
			g.Status == model.GiftPending && g.VoidedAt == nil {
			g.VoidedAt = &at
			n++
		}
	}
	return n, nil
}

func (r memGifts) ListByUser(ctx context.Context, userID int64) ([]model.Gift, error) {
	return r.giftsOf(userID), nil
}

// =============================================================================
// LOYALTY AND REFERRALS
// =============================================================================

type memLoyalty struct{ *memStore }

var _ repository.LoyaltyRepository = memLoyalty{}

func (r memLoyalty) ListActiveLevelsUpTo(ctx context.Context, sum decimal.Decimal) ([]model.LoyaltyLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.LoyaltyLevel
	for _, l := range r.levels {
		if l.IsActive && l.MinPurchaseAmount.LessThanOrEqual(sum) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinPurchaseAmount.LessThan(out[j].MinPurchaseAmount) })
	return out, nil
}

func (r memLoyalty) ListGrantedLevelIDs(ctx context.Context, userID int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for k := range r.levelGrants {
		if k[0] == userID {
			out = append(out, k[1])
		}
	}
	return out, nil
}

func (r memLoyalty) GrantLevel(ctx context.Context, userID, levelID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := [2]int64{userID, levelID}
	if r.levelGrants[k] {
		return false, nil
	}
	r.levelGrants[k] = true
	return true, nil
}

type memReferrals struct{ *memStore }

var _ repository.ReferralRepository = memReferrals{}

func (r memReferrals) GetByNewUser(ctx context.Context, newUserID int64) (*model.UserReferralReward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.referrals[newUserID]
	if !ok {
		return nil, nil
	}
	cp := *rr
	return &cp, nil
}

func (r memReferrals) Create(ctx context.Context, rr *model.UserReferralReward) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.referrals[rr.NewUserID]; ok {
		return false, nil
	}
	rr.ID = int64(len(r.referrals) + 1)
	rr.CreatedAt = time.Now()
	cp := *rr
	r.referrals[rr.NewUserID] = &cp
	return true, nil
}

func (r memReferrals) IncrementIfBelowCap(ctx context.Context, newUserID int64) (*model.UserReferralReward, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.referrals[newUserID]
	if !ok || rr.PurchasesRewarded >= rr.MaxPurchases {
		return nil, false, nil
	}
	rr.PurchasesRewarded++
	cp := *rr
	return &cp, true, nil
}

// =============================================================================
// DEVICES AND AUDIENCE
// =============================================================================

type memTokens struct{ *memStore }

var _ repository.DeviceTokenRepository = memTokens{}

func (r memTokens) LockToken(ctx context.Context, token string) error { return nil }

func (r memTokens) DeactivateTokenForOthers(ctx context.Context, token string, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tokens {
		if t.Token == token && t.UserID != userID && t.IsActive {
			t.IsActive = false
			n++
		}
	}
	return n, nil
}

func (r memTokens) UpsertActive(ctx context.Context, userID int64, token string, deviceType, deviceInfo *string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Token == token && t.UserID == userID {
			t.IsActive = true
			t.LastUsedAt = at
			if deviceType != nil {
				t.DeviceType = deviceType
			}
			return nil
		}
	}
	r.nextTokenID++
	r.tokens = append(r.tokens, &model.DeviceToken{
		ID: r.nextTokenID, UserID: userID, Token: token, DeviceType: deviceType,
		DeviceInfo: deviceInfo, IsActive: true, LastUsedAt: at,
	})
	return nil
}

func (r memTokens) Deactivate(ctx context.Context, userID int64, token string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tokens {
		if t.UserID == userID && t.Token == token && t.IsActive {
			t.IsActive = false
			n++
		}
	}
	return n, nil
}

func (r memTokens) DeactivateAll(ctx context.Context, userID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive {
			t.IsActive = false
			n++
		}
	}
	return n, nil
}

func (r memTokens) GetActiveByUserID(ctx context.Context, userID int64) (*model.DeviceToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.DeviceToken
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive && (best == nil || t.LastUsedAt.After(best.LastUsedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) activeHoldersOf(token string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, t := range s.tokens {
		if t.Token == token && t.IsActive {
			out = append(out, t.UserID)
		}
	}
	return out
}

// memAudience supports the city and category filters.
type memAudience struct{ *memStore }

func (r memAudience) match(f model.TargetFilters) []int64 {
	cities := map[string]bool{}
	for _, c := range append(append([]string{}, f.Cities...), f.CustomCities...) {
		cities[strings.ToLower(strings.TrimSpace(c))] = true
	}
	var out []int64
	for _, id := range r.sortedUserIDs() {
		u := r.users[id]
		if !r.hasActiveTokenLocked(id) {
			continue
		}
		if len(cities) > 0 && (u.City == nil || !cities[strings.ToLower(*u.City)]) {
			continue
		}
		if len(f.CategoryIDs) > 0 && !overlaps(r.categories[id], f.CategoryIDs) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func overlaps(a []int64, b []int64) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (r memAudience) ResolveUserIDs(ctx context.Context, f model.TargetFilters) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.match(f), nil
}

func (r memAudience) CountUsers(ctx context.Context, f model.TargetFilters) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.match(f)), nil
}

// =============================================================================
// PUSH NOTIFICATIONS AND EVENTS
// =============================================================================

type memPushes struct{ *memStore }

var _ repository.PushNotificationRepository = memPushes{}

func (r memPushes) Create(ctx context.Context, n *model.PushNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPushID++
	n.ID = r.nextPushID
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	cp := *n
	r.pushes[n.ID] = &cp
	return nil
}

func (r memPushes) GetByID(ctx context.Context, id int64) (*model.PushNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.pushes[id]
	if !ok {
		return nil, model.ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (r memPushes) Update(ctx context.Context, id int64, in model.PushNotificationInput) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.pushes[id]
	if !ok || !model.PushEditable(n.Status) {
		return false, nil
	}
	n.Title, n.Body, n.Data, n.ScheduledAt, n.TargetFilters = in.Title, in.Body, in.Data, in.ScheduledAt, in.Filters
	return true, nil
}

func (r memPushes) Delete(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.pushes[id]
	if !ok || !model.PushDeletable(n.Status) {
		return false, nil
	}
	delete(r.pushes, id)
	return true, nil
}

func (r memPushes) TransitionStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.pushes[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if n.Status == f {
			n.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r memPushes) ClaimForSending(ctx context.Context, id int64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.pushes[id]
	if !ok || n.Status != model.PushScheduled || (n.ScheduledAt != nil && n.ScheduledAt.After(now)) {
		return false, nil
	}
	n.Status = model.PushSending
	n.Attempts++
	n.StartedAt = &now
	n.ErrorMessage = nil
	return true, nil
}

func (r memPushes) MarkSent(ctx context.Context, id int64, recipients, sent, failed int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.pushes[id]; ok && n.Status == model.PushSending {
		n.Status = model.PushSent
		n.RecipientsCount, n.SentCount, n.FailedCount, n.FinishedAt = recipients, sent, failed, &at
	}
	return nil
}

func (r memPushes) MarkFailed(ctx context.Context, id int64, errMsg string, recipients, sent, failed int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.pushes[id]; ok && n.Status == model.PushSending {
		n.Status = model.PushFailed
		n.ErrorMessage = &errMsg
		n.RecipientsCount, n.SentCount, n.FailedCount, n.FinishedAt = recipients, sent, failed, &at
	}
	return nil
}

func (r memPushes) FailStaleSending(ctx context.Context, cutoff time.Time, errMsg string, at time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for id, n := range r.pushes {
		if n.Status == model.PushSending && n.StartedAt != nil && n.StartedAt.Before(cutoff) {
			msg := errMsg
			n.Status = model.PushFailed
			n.ErrorMessage = &msg
			n.FinishedAt = &at
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r memPushes) ScheduleRetry(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.pushes[id]
	if !ok || n.Status != model.PushFailed || n.Attempts >= maxAttempts {
		return false, nil
	}
	n.Status = model.PushScheduled
	n.ScheduledAt = &at
	return true, nil
}

func (r memPushes) ListDue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for id, n := range r.pushes {
		if n.Status == model.PushScheduled && (n.ScheduledAt == nil || !n.ScheduledAt.After(now)) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r memPushes) RecordDelivery(ctx context.Context, d *model.PushDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.deliveries[[2]int64{d.NotificationID, d.UserID}] = &cp
	return nil
}

func (r memPushes) ListSentUserIDs(ctx context.Context, notificationID int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for k, d := range r.deliveries {
		if k[0] == notificationID && d.Status == model.DeliverySent {
			out = append(out, k[1])
		}
	}
	return out, nil
}

type memEvents struct{ *memStore }

var _ repository.NotificationEventRepository = memEvents{}

func (r memEvents) Create(ctx context.Context, e *model.NotificationEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.IdempotencyKey]; ok {
		return false, nil
	}
	r.nextEventID++
	e.ID = r.nextEventID
	e.Status = model.EventPending
	e.CreatedAt = time.Now()
	cp := *e
	r.events[e.IdempotencyKey] = &cp
	return true, nil
}

func (r memEvents) GetByKey(ctx context.Context, key string) (*model.NotificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[key]
	if !ok {
		return nil, model.ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (r memEvents) Claim(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[key]
	if !ok || e.Status != model.EventPending {
		return false, nil
	}
	e.Status = model.EventSending
	return true, nil
}

func (r memEvents) MarkSent(ctx context.Context, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[key]; ok {
		e.Status = model.EventSent
		e.SentAt = &at
	}
	return nil
}

func (r memEvents) MarkFailed(ctx context.Context, key string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[key]; ok {
		e.Status = model.EventFailed
		e.Error = &errMsg
	}
	return nil
}

func (r memEvents) ListPendingKeys(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k, e := range r.events {
		if e.Status == model.EventPending && e.CreatedAt.Before(createdBefore) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// FAKE COLLABORATORS
// =============================================================================

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []push.Message
	reject map[string]bool
	delay  time.Duration
}

func (n *fakeNotifier) Send(ctx context.Context, msg push.Message) error {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reject[msg.Token] {
		return push.ErrTokenRejected
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) messages() []push.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]push.Message(nil), n.sent...)
}

type fakeQueue struct {
	mu       sync.Mutex
	dispatch []int64
	intents  []string
	failNext bool
}

func (q *fakeQueue) EnqueueDispatch(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		q.failNext = false
		return errors.New("redis unavailable")
	}
	q.dispatch = append(q.dispatch, id)
	return nil
}

func (q *fakeQueue) EnqueueIntent(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		q.failNext = false
		return errors.New("redis unavailable")
	}
	q.intents = append(q.intents, key)
	return nil
}

type ledgerCall struct {
	Op         string
	ExternalID string
	Value      decimal.Decimal
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []ledgerCall
	sums  map[string]decimal.Decimal
	err   error
}

func (l *fakeLedger) record(op, id string, v decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, ledgerCall{Op: op, ExternalID: id, Value: v})
	return l.err
}

func (l *fakeLedger) PurchaseSum(ctx context.Context, externalID string) (decimal.Decimal, error) {
	if err := l.record("purchase_sum", externalID, decimal.Zero); err != nil {
		return decimal.Zero, err
	}
	return l.sums[externalID], nil
}

func (l *fakeLedger) SetDiscount(ctx context.Context, externalID string, percent decimal.Decimal) error {
	return l.record("set_discount", externalID, percent)
}

func (l *fakeLedger) AddBonus(ctx context.Context, externalID string, amount decimal.Decimal, reason string) error {
	return l.record("add_bonus", externalID, amount)
}

// =============================================================================
// WIRING
// =============================================================================

// env wires every service over one memStore with inline delivery.
type env struct {
	store    *memStore
	notifier *fakeNotifier
	ledger   *fakeLedger

	devices      *DeviceRegistry
	intents      *IntentService
	gifts        *GiftService
	accumulation *AccumulationStrategy
	loyalty      *LoyaltyTracker
	referrals    *ReferralLedger
	purchases    *PurchaseService
	dispatcher   *Dispatcher
}

func newEnv() *env {
	s := newMemStore()
	e := &env{store: s, notifier: &fakeNotifier{}, ledger: &fakeLedger{}}

	tx := memTx{}
	e.devices = NewDeviceRegistry(tx, memTokens{s}, nil)
	e.intents = NewIntentService(memEvents{s}, e.devices, e.notifier, nil, time.Second, nil)
	e.gifts = NewGiftService(tx, memGifts{s}, e.intents, nil)
	e.accumulation = NewAccumulationStrategy(tx, memUsers{s}, memPromotions{s}, memGrants{s}, e.gifts, e.intents, nil)
	e.loyalty = NewLoyaltyTracker(tx, memUsers{s}, memLoyalty{s}, e.gifts, e.intents, e.ledger, nil)
	e.referrals = NewReferralLedger(tx, memUsers{s}, memPromotions{s}, memReferrals{s}, e.intents, e.ledger, nil)
	e.purchases = NewPurchaseService(tx, memUsers{s}, e.referrals, e.loyalty, e.accumulation, e.ledger, nil)
	e.dispatcher = NewDispatcher(memPushes{s}, NewTargetResolver(memAudience{s}), e.devices, e.notifier, nil,
		DispatcherConfig{Timeout: 5 * time.Second, SendTimeout: time.Second, Parallelism: 4}, nil)
	return e
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string { return &s }
