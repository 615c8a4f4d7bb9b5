// Package resolver maps an inbound contact to its customer and open chat,
// creating both when the contact is new.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
	"github.com/loopdesk/loopdesk/internal/identity"
	"github.com/loopdesk/loopdesk/internal/store"
)

// ResolutionError wraps any persistence failure during resolution. The whole
// resolution aborts and the message is not persisted.
type ResolutionError struct {
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("chat resolution failed at %s: %v", e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Store is the persistence surface the resolver needs.
type Store interface {
	FindActiveChat(ctx context.Context, channelID, externalID string) (store.Chat, error)
	GetCustomer(ctx context.Context, id string) (store.Customer, error)
	FindCustomerByIdentity(ctx context.Context, orgID, kind string, candidates []string) (store.Customer, error)
	CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (store.Customer, error)
	CreateContactIdentity(ctx context.Context, orgID, customerID, kind, value string) (store.ContactIdentity, error)
	DeleteCustomer(ctx context.Context, id string) error
	CreateChat(ctx context.Context, input store.CreateChatInput) (store.Chat, error)
}

// Input identifies the inbound contact to resolve.
type Input struct {
	Channel        store.Channel
	ExternalID     string
	DisplayName    string
	ProfilePicture string
	DefaultTeamID  string
}

// Result is the resolved chat, its customer, and whether this is the first
// message of a brand-new conversation.
type Result struct {
	Chat           store.Chat
	Customer       store.Customer
	IsFirstMessage bool
}

// Resolver finds or creates the customer and chat for an inbound contact.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// New creates a Resolver.
func New(log *slog.Logger, st Store) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  st,
		logger: log.With(slog.String("service", "resolver")),
	}
}

// Resolve returns the active chat for (channel, external id), reusing the
// linked customer, or creates customer and chat for a first contact.
//
// Customer creation is race-safe: the unique constraint on
// (org, identity type, value) makes the identity insert the linearization
// point, and the loser of a concurrent race re-reads the winner's row.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Result, error) {
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return Result{}, &ResolutionError{Stage: "input", Err: errors.New("external id is required")}
	}

	chat, err := r.store.FindActiveChat(ctx, in.Channel.ID, externalID)
	switch {
	case err == nil:
		customer, err := r.store.GetCustomer(ctx, chat.CustomerID)
		if err != nil {
			return Result{}, &ResolutionError{Stage: "customer lookup", Err: err}
		}
		return Result{Chat: chat, Customer: customer, IsFirstMessage: chat.IsFirstMessage}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, &ResolutionError{Stage: "chat lookup", Err: err}
	}

	customer, err := r.resolveCustomer(ctx, in, externalID)
	if err != nil {
		return Result{}, err
	}

	chat, err = r.store.CreateChat(ctx, store.CreateChatInput{
		OrgID:          in.Channel.OrgID,
		ChannelID:      in.Channel.ID,
		CustomerID:     customer.ID,
		ExternalID:     externalID,
		Status:         store.ChatPending,
		TeamID:         in.DefaultTeamID,
		IsFirstMessage: true,
	})
	if err != nil {
		// The customer row survives; see the ledger note on the known
		// consistency gap for partial creation.
		return Result{}, &ResolutionError{Stage: "chat creation", Err: err}
	}

	r.logger.Info("chat created",
		slog.String("chat_id", chat.ID),
		slog.String("channel_id", in.Channel.ID),
		slog.String("customer_id", customer.ID))

	return Result{Chat: chat, Customer: customer, IsFirstMessage: true}, nil
}

func (r *Resolver) resolveCustomer(ctx context.Context, in Input, externalID string) (store.Customer, error) {
	kind := in.Channel.Type.IdentityKind()
	candidates := identity.Candidates(externalID, in.Channel.Type)

	customer, err := r.store.FindCustomerByIdentity(ctx, in.Channel.OrgID, kind, candidates)
	switch {
	case err == nil:
		return customer, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.Customer{}, &ResolutionError{Stage: "identity lookup", Err: err}
	}

	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		name = externalID
	}
	customer, err = r.store.CreateCustomer(ctx, store.CreateCustomerInput{
		OrgID:          in.Channel.OrgID,
		Name:           name,
		ProfilePicture: in.ProfilePicture,
	})
	if err != nil {
		return store.Customer{}, &ResolutionError{Stage: "customer creation", Err: err}
	}

	if _, err = r.store.CreateContactIdentity(ctx, in.Channel.OrgID, customer.ID, kind, candidates[0]); err != nil {
		if dbpkg.IsUniqueViolation(err) {
			// Lost a concurrent first-contact race: discard our customer
			// and adopt the one that owns the identity now.
			if delErr := r.store.DeleteCustomer(ctx, customer.ID); delErr != nil {
				r.logger.Warn("orphan customer cleanup failed",
					slog.String("customer_id", customer.ID), slog.Any("error", delErr))
			}
			winner, findErr := r.store.FindCustomerByIdentity(ctx, in.Channel.OrgID, kind, candidates)
			if findErr != nil {
				return store.Customer{}, &ResolutionError{Stage: "identity re-read", Err: findErr}
			}
			return winner, nil
		}
		return store.Customer{}, &ResolutionError{Stage: "identity creation", Err: err}
	}
	return customer, nil
}
