package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/store"
)

type fakeStore struct {
	chats      map[string]store.Chat
	customers  map[string]store.Customer
	identities map[string]string // "org|kind|value" -> customer id

	nextID int

	identityRace  func() // runs just before CreateContactIdentity commits
	failCreateChat error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:      make(map[string]store.Chat),
		customers:  make(map[string]store.Customer),
		identities: make(map[string]string),
	}
}

func (f *fakeStore) genID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func identityKey(orgID, kind, value string) string {
	return orgID + "|" + kind + "|" + value
}

func (f *fakeStore) FindActiveChat(_ context.Context, channelID, externalID string) (store.Chat, error) {
	for _, c := range f.chats {
		if c.ChannelID == channelID && c.ExternalID == externalID && c.Status != store.ChatClosed {
			return c, nil
		}
	}
	return store.Chat{}, store.ErrNotFound
}

func (f *fakeStore) GetCustomer(_ context.Context, id string) (store.Customer, error) {
	c, ok := f.customers[id]
	if !ok {
		return store.Customer{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) FindCustomerByIdentity(_ context.Context, orgID, kind string, candidates []string) (store.Customer, error) {
	for _, v := range candidates {
		if id, ok := f.identities[identityKey(orgID, kind, v)]; ok {
			return f.customers[id], nil
		}
	}
	return store.Customer{}, store.ErrNotFound
}

func (f *fakeStore) CreateCustomer(_ context.Context, input store.CreateCustomerInput) (store.Customer, error) {
	c := store.Customer{
		ID:             f.genID("cust"),
		OrgID:          input.OrgID,
		Name:           input.Name,
		ProfilePicture: input.ProfilePicture,
	}
	f.customers[c.ID] = c
	return c, nil
}

func (f *fakeStore) CreateContactIdentity(_ context.Context, orgID, customerID, kind, value string) (store.ContactIdentity, error) {
	if f.identityRace != nil {
		race := f.identityRace
		f.identityRace = nil
		race()
	}
	key := identityKey(orgID, kind, value)
	if _, exists := f.identities[key]; exists {
		return store.ContactIdentity{}, &pgconn.PgError{Code: "23505", ConstraintName: "uq_customer_contacts_identity"}
	}
	f.identities[key] = customerID
	return store.ContactIdentity{
		ID:         f.genID("ident"),
		OrgID:      orgID,
		CustomerID: customerID,
		Kind:       kind,
		Value:      value,
	}, nil
}

func (f *fakeStore) DeleteCustomer(_ context.Context, id string) error {
	delete(f.customers, id)
	return nil
}

func (f *fakeStore) CreateChat(_ context.Context, input store.CreateChatInput) (store.Chat, error) {
	if f.failCreateChat != nil {
		return store.Chat{}, f.failCreateChat
	}
	c := store.Chat{
		ID:             f.genID("chat"),
		OrgID:          input.OrgID,
		ChannelID:      input.ChannelID,
		CustomerID:     input.CustomerID,
		ExternalID:     input.ExternalID,
		Status:         input.Status,
		TeamID:         input.TeamID,
		IsFirstMessage: input.IsFirstMessage,
	}
	f.chats[c.ID] = c
	return c, nil
}

func testChannel() store.Channel {
	return store.Channel{
		ID:    "chan-1",
		OrgID: "org-1",
		Type:  channel.TypeWhatsAppCloud,
	}
}

func TestResolveCreatesCustomerAndChat(t *testing.T) {
	fs := newFakeStore()
	r := New(nil, fs)

	res, err := r.Resolve(context.Background(), Input{
		Channel:     testChannel(),
		ExternalID:  "+5511988887777",
		DisplayName: "Ana",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsFirstMessage {
		t.Error("expected first message for a new chat")
	}
	if res.Customer.Name != "Ana" {
		t.Errorf("customer name = %q, want Ana", res.Customer.Name)
	}
	if res.Chat.CustomerID != res.Customer.ID {
		t.Error("chat not linked to created customer")
	}
	if res.Chat.Status != store.ChatPending {
		t.Errorf("new chat status = %q, want pending", res.Chat.Status)
	}
	// Canonical identity is the first candidate form.
	if got := fs.identities[identityKey("org-1", "whatsapp", "+5511988887777")]; got != res.Customer.ID {
		t.Errorf("identity not stored under canonical form, got owner %q", got)
	}
}

func TestResolveReusesActiveChat(t *testing.T) {
	fs := newFakeStore()
	r := New(nil, fs)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Input{Channel: testChannel(), ExternalID: "+5511988887777", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve(ctx, Input{Channel: testChannel(), ExternalID: "+5511988887777", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second.Chat.ID != first.Chat.ID {
		t.Errorf("expected chat reuse, got %q then %q", first.Chat.ID, second.Chat.ID)
	}
	if second.Customer.ID != first.Customer.ID {
		t.Error("expected same customer on reuse")
	}
}

func TestResolveMatchesSiblingPhoneForm(t *testing.T) {
	fs := newFakeStore()
	r := New(nil, fs)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Input{Channel: testChannel(), ExternalID: "+5511988887777", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	// Close the chat so identity matching, not chat lookup, must link them.
	for id, c := range fs.chats {
		c.Status = store.ChatClosed
		fs.chats[id] = c
	}

	// Same person, twelve-digit form without the ninth digit.
	second, err := r.Resolve(ctx, Input{Channel: testChannel(), ExternalID: "551188887777", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second.Customer.ID != first.Customer.ID {
		t.Errorf("sibling phone form created customer %q, want reuse of %q", second.Customer.ID, first.Customer.ID)
	}
	if second.Chat.ID == first.Chat.ID {
		t.Error("expected a new chat after the old one closed")
	}
	if len(fs.customers) != 1 {
		t.Errorf("customer count = %d, want 1", len(fs.customers))
	}
}

func TestResolveConcurrentFirstContact(t *testing.T) {
	fs := newFakeStore()
	r := New(nil, fs)
	ctx := context.Background()

	// A concurrent worker claims the identity between our lookup miss and
	// our identity insert.
	var winner store.Customer
	fs.identityRace = func() {
		winner, _ = fs.CreateCustomer(ctx, store.CreateCustomerInput{OrgID: "org-1", Name: "Ana"})
		fs.identities[identityKey("org-1", "whatsapp", "+5511988887777")] = winner.ID
	}

	res, err := r.Resolve(ctx, Input{Channel: testChannel(), ExternalID: "+5511988887777", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Customer.ID != winner.ID {
		t.Errorf("resolved customer %q, want race winner %q", res.Customer.ID, winner.ID)
	}
	if len(fs.customers) != 1 {
		t.Errorf("customer count = %d, want 1 after loser cleanup", len(fs.customers))
	}
	if res.Chat.CustomerID != winner.ID {
		t.Error("chat not linked to the winning customer")
	}
}

func TestResolveEmptyExternalID(t *testing.T) {
	r := New(nil, newFakeStore())
	_, err := r.Resolve(context.Background(), Input{Channel: testChannel(), ExternalID: "   "})
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
}

func TestResolveChatCreationFailure(t *testing.T) {
	fs := newFakeStore()
	fs.failCreateChat = errors.New("connection reset")
	r := New(nil, fs)

	_, err := r.Resolve(context.Background(), Input{Channel: testChannel(), ExternalID: "+5511988887777"})
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if resErr.Stage != "chat creation" {
		t.Errorf("stage = %q, want chat creation", resErr.Stage)
	}
}

func TestResolveFallsBackToExternalIDName(t *testing.T) {
	fs := newFakeStore()
	r := New(nil, fs)

	res, err := r.Resolve(context.Background(), Input{Channel: testChannel(), ExternalID: "+5511988887777"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Customer.Name != "+5511988887777" {
		t.Errorf("customer name = %q, want external id fallback", res.Customer.Name)
	}
}
