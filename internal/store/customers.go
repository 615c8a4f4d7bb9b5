package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	dbpkg "github.com/loopdesk/loopdesk/internal/db"
)

// CreateCustomer inserts a new customer.
func (s *Store) CreateCustomer(ctx context.Context, input CreateCustomerInput) (Customer, error) {
	pgOrgID, err := dbpkg.ParseUUID(input.OrgID)
	if err != nil {
		return Customer{}, fmt.Errorf("invalid org id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (org_id, name, profile_picture)
		VALUES ($1, $2, $3)
		RETURNING id, org_id, name, profile_picture, created_at`,
		pgOrgID, input.Name, toText(input.ProfilePicture))
	return scanCustomer(row)
}

// GetCustomer loads one customer by id.
func (s *Store) GetCustomer(ctx context.Context, id string) (Customer, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Customer{}, fmt.Errorf("invalid customer id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, name, profile_picture, created_at
		FROM customers WHERE id = $1`, pgID)
	return scanCustomer(row)
}

// FindCustomerByIdentity returns the customer owning any of the candidate
// identity values for the given kind within the organization.
func (s *Store) FindCustomerByIdentity(ctx context.Context, orgID, kind string, candidates []string) (Customer, error) {
	if len(candidates) == 0 {
		return Customer{}, ErrNotFound
	}
	pgOrgID, err := dbpkg.ParseUUID(orgID)
	if err != nil {
		return Customer{}, fmt.Errorf("invalid org id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT c.id, c.org_id, c.name, c.profile_picture, c.created_at
		FROM customers c
		JOIN customer_contacts cc ON cc.customer_id = c.id
		WHERE cc.org_id = $1 AND cc.identity_type = $2 AND cc.value = ANY($3)
		ORDER BY cc.created_at ASC
		LIMIT 1`,
		pgOrgID, kind, candidates)
	return scanCustomer(row)
}

// CreateContactIdentity attaches an identity value to a customer. The unique
// constraint on (org_id, identity_type, value) surfaces concurrent creation
// races; callers detect it with db.IsUniqueViolation and re-read.
func (s *Store) CreateContactIdentity(ctx context.Context, orgID, customerID, kind, value string) (ContactIdentity, error) {
	pgOrgID, err := dbpkg.ParseUUID(orgID)
	if err != nil {
		return ContactIdentity{}, fmt.Errorf("invalid org id: %w", err)
	}
	pgCustomerID, err := dbpkg.ParseUUID(customerID)
	if err != nil {
		return ContactIdentity{}, fmt.Errorf("invalid customer id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customer_contacts (org_id, customer_id, identity_type, value)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, customer_id, identity_type, value, created_at`,
		pgOrgID, pgCustomerID, kind, value)

	var (
		id, rowOrgID, rowCustomerID pgtype.UUID
		identityType, identityValue string
		createdAt                   pgtype.Timestamptz
	)
	if err := row.Scan(&id, &rowOrgID, &rowCustomerID, &identityType, &identityValue, &createdAt); err != nil {
		return ContactIdentity{}, err
	}
	return ContactIdentity{
		ID:         dbpkg.UUIDToString(id),
		OrgID:      dbpkg.UUIDToString(rowOrgID),
		CustomerID: dbpkg.UUIDToString(rowCustomerID),
		Kind:       identityType,
		Value:      identityValue,
		CreatedAt:  dbpkg.TimeFromPg(createdAt),
	}, nil
}

// DeleteCustomer removes a customer created by a lost insert race. Contact
// identities cascade.
func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("invalid customer id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM customers WHERE id = $1`, pgID)
	return err
}

func scanCustomer(row rowScanner) (Customer, error) {
	var (
		id, orgID      pgtype.UUID
		name           string
		profilePicture pgtype.Text
		createdAt      pgtype.Timestamptz
	)
	err := row.Scan(&id, &orgID, &name, &profilePicture, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, err
	}
	return Customer{
		ID:             dbpkg.UUIDToString(id),
		OrgID:          dbpkg.UUIDToString(orgID),
		Name:           name,
		ProfilePicture: dbpkg.TextToString(profilePicture),
		CreatedAt:      dbpkg.TimeFromPg(createdAt),
	}, nil
}
