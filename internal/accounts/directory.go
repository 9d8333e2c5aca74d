// Package accounts holds the card accounts owned by the holder and the
// individuals authorized to use them.
package accounts

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/google/uuid"
)

var (
	ErrUnknownCard = errors.New("unknown card")
	ErrUnknownUser = errors.New("unknown user")
	ErrInvalidCard = errors.New("invalid card details")
	ErrInvalidUser = errors.New("invalid user details")
)

// CardAccount is a payment card and the users allowed to present it.
type CardAccount struct {
	ID                string   `json:"id"`
	Number            string   `json:"card_number"`
	Type              string   `json:"card_type"`
	Expiry            string   `json:"expiry_date"`
	Active            bool     `json:"is_active"`
	AuthorizedUserIDs []string `json:"authorized_users"`
	HolderEmail       string   `json:"holder_email"`
}

// AuthorizedUser is an individual the holder allowed on one or more cards.
type AuthorizedUser struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone"`
	Active     bool      `json:"is_active"`
	CardAccess []string  `json:"card_access"`
	EnrolledAt time.Time `json:"enrollment_date,omitempty"`
}

// NewCard describes a card to register.
type NewCard struct {
	ID          string
	Number      string
	Type        string
	Expiry      string
	HolderEmail string
}

// NewUser describes an individual to authorize.
type NewUser struct {
	ID         string
	Name       string
	Email      string
	Phone      string
	CardAccess []string
}

type cardRecord struct {
	card  CardAccount
	users *treeset.Set
}

type userRecord struct {
	user  AuthorizedUser
	cards *treeset.Set
}

// Directory is an in-memory registry of cards and authorized users. Users are
// kept sorted by id, so every listing and candidate scan is in ascending id order.
type Directory struct {
	mu    sync.RWMutex
	cards *treemap.Map
	users *treemap.Map
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		cards: treemap.NewWithStringComparator(),
		users: treemap.NewWithStringComparator(),
	}
}

// AddCard registers a card; only the last four digits of the number are kept.
func (d *Directory) AddCard(in NewCard) (CardAccount, error) {
	digits := strings.TrimSpace(in.Number)
	if len(digits) < 4 || strings.TrimSpace(in.Type) == "" {
		return CardAccount{}, ErrInvalidCard
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := &cardRecord{
		card: CardAccount{
			ID:          id,
			Number:      "****-****-****-" + digits[len(digits)-4:],
			Type:        in.Type,
			Expiry:      in.Expiry,
			Active:      true,
			HolderEmail: in.HolderEmail,
		},
		users: treeset.NewWithStringComparator(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.cards.Get(id); exists {
		return CardAccount{}, fmt.Errorf("%w: card %s already exists", ErrInvalidCard, id)
	}
	d.cards.Put(id, rec)
	return rec.snapshot(), nil
}

// ToggleCard flips the card's active flag.
func (d *Directory) ToggleCard(cardID string) (CardAccount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.card(cardID)
	if !ok {
		return CardAccount{}, ErrUnknownCard
	}
	rec.card.Active = !rec.card.Active
	return rec.snapshot(), nil
}

// AddUser authorizes a new individual on the given cards.
func (d *Directory) AddUser(in NewUser) (AuthorizedUser, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Email) == "" {
		return AuthorizedUser{}, ErrInvalidUser
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users.Get(id); exists {
		return AuthorizedUser{}, fmt.Errorf("%w: user %s already exists", ErrInvalidUser, id)
	}
	for _, cardID := range in.CardAccess {
		if _, ok := d.card(cardID); !ok {
			return AuthorizedUser{}, fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
		}
	}

	rec := &userRecord{
		user: AuthorizedUser{
			ID:     id,
			Name:   in.Name,
			Email:  in.Email,
			Phone:  in.Phone,
			Active: true,
		},
		cards: treeset.NewWithStringComparator(),
	}
	d.users.Put(id, rec)
	for _, cardID := range in.CardAccess {
		d.link(cardID, rec)
	}
	return rec.snapshot(), nil
}

// ToggleUser flips the user's active flag.
func (d *Directory) ToggleUser(userID string) (AuthorizedUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.user(userID)
	if !ok {
		return AuthorizedUser{}, ErrUnknownUser
	}
	rec.user.Active = !rec.user.Active
	return rec.snapshot(), nil
}

// GrantAccess authorizes userID on cardID, keeping both sides in sync.
func (d *Directory) GrantAccess(cardID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.card(cardID); !ok {
		return ErrUnknownCard
	}
	rec, ok := d.user(userID)
	if !ok {
		return ErrUnknownUser
	}
	d.link(cardID, rec)
	return nil
}

// RevokeAccess removes userID from cardID.
func (d *Directory) RevokeAccess(cardID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	card, ok := d.card(cardID)
	if !ok {
		return ErrUnknownCard
	}
	rec, ok := d.user(userID)
	if !ok {
		return ErrUnknownUser
	}
	card.users.Remove(userID)
	rec.cards.Remove(cardID)
	return nil
}

// DeleteUser drops the user and every card link.
func (d *Directory) DeleteUser(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.user(userID)
	if !ok {
		return ErrUnknownUser
	}
	for _, v := range rec.cards.Values() {
		if card, ok := d.card(v.(string)); ok {
			card.users.Remove(userID)
		}
	}
	d.users.Remove(userID)
	return nil
}

// MarkEnrolled records when userID last enrolled a template; a zero time clears it.
func (d *Directory) MarkEnrolled(userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.user(userID)
	if !ok {
		return ErrUnknownUser
	}
	rec.user.EnrolledAt = at
	return nil
}

// Card returns a snapshot of cardID.
func (d *Directory) Card(cardID string) (CardAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.card(cardID)
	if !ok {
		return CardAccount{}, ErrUnknownCard
	}
	return rec.snapshot(), nil
}

// CardExists reports whether cardID is registered.
func (d *Directory) CardExists(cardID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.card(cardID)
	return ok
}

// User returns a snapshot of userID.
func (d *Directory) User(userID string) (AuthorizedUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.user(userID)
	if !ok {
		return AuthorizedUser{}, ErrUnknownUser
	}
	return rec.snapshot(), nil
}

// Cards lists every card in id order.
func (d *Directory) Cards() []CardAccount {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]CardAccount, 0, d.cards.Size())
	for _, v := range d.cards.Values() {
		out = append(out, v.(*cardRecord).snapshot())
	}
	return out
}

// Users lists every authorized user in id order.
func (d *Directory) Users() []AuthorizedUser {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]AuthorizedUser, 0, d.users.Size())
	for _, v := range d.users.Values() {
		out = append(out, v.(*userRecord).snapshot())
	}
	return out
}

// EligibleUsers returns the active users authorized on cardID, ascending by id.
// Template presence is not checked here.
func (d *Directory) EligibleUsers(cardID string) ([]AuthorizedUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	card, ok := d.card(cardID)
	if !ok {
		return nil, ErrUnknownCard
	}

	var out []AuthorizedUser
	for _, v := range card.users.Values() {
		rec, ok := d.user(v.(string))
		if !ok || !rec.user.Active || !rec.cards.Contains(cardID) {
			continue
		}
		out = append(out, rec.snapshot())
	}
	return out, nil
}

func (d *Directory) card(id string) (*cardRecord, bool) {
	v, ok := d.cards.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*cardRecord), true
}

func (d *Directory) user(id string) (*userRecord, bool) {
	v, ok := d.users.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*userRecord), true
}

func (d *Directory) link(cardID string, rec *userRecord) {
	card, _ := d.card(cardID)
	card.users.Add(rec.user.ID)
	rec.cards.Add(cardID)
}

func (r *cardRecord) snapshot() CardAccount {
	c := r.card
	c.AuthorizedUserIDs = stringValues(r.users)
	return c
}

func (r *userRecord) snapshot() AuthorizedUser {
	u := r.user
	u.CardAccess = stringValues(r.cards)
	return u
}

func stringValues(set *treeset.Set) []string {
	values := set.Values()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.(string))
	}
	return out
}
