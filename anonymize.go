package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// anonymizeUsersOptions configures the anonymize_users data processor.
type anonymizeUsersOptions struct {
	Tables           []string `toml:"tables"`
	PreserveEmails   []string `toml:"preserve_emails"` // substrings of emails to keep
	EmailDomain      string   `toml:"email_domain"`
	PasswordOverride string   `toml:"password_override"` // plaintext, stored as a bcrypt hash
	NameColumns      []string `toml:"name_columns"`
	EmailColumn      string   `toml:"email_column"`
	PasswordColumn   string   `toml:"password_column"`
	IDColumn         string   `toml:"id_column"`
	NamePrefix       string   `toml:"name_prefix"`
}

func defaultAnonymizeUsersOptions() *anonymizeUsersOptions {
	return &anonymizeUsersOptions{
		Tables:         []string{"users"},
		EmailDomain:    "example.com",
		NameColumns:    []string{"first_name", "last_name"},
		EmailColumn:    "email",
		PasswordColumn: "password",
		IDColumn:       "id",
		NamePrefix:     "User",
	}
}

// anonymizeUsers replaces the identity of every user that is not preserved
// with a generated placeholder.
type anonymizeUsers struct {
	table string
	opts  *anonymizeUsersOptions
	env   processorEnv

	// newName is swapped in tests to force collisions.
	newName func() string
}

func newAnonymizeUsers(table string, opts any, env processorEnv) DataProcessor {
	o, _ := opts.(*anonymizeUsersOptions)
	if o == nil {
		o = defaultAnonymizeUsersOptions()
	}
	p := &anonymizeUsers{table: table, opts: o, env: env}
	p.newName = func() string { return uniqueNameCandidate(o.NamePrefix) }
	return p
}

// uniqueNameCandidate returns prefix_ followed by 13 hex characters.
func uniqueNameCandidate(prefix string) string {
	id := uuid.New()
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")[:13]
}

func (p *anonymizeUsers) Applies() bool {
	return appliesTo(p.opts.Tables, p.table)
}

func (p *anonymizeUsers) Process(ctx context.Context) error {
	if p.env.Engine == nil {
		return fmt.Errorf("no destination database")
	}
	users, err := p.env.Engine.Users(ctx, p.table, p.opts.IDColumn, p.opts.EmailColumn)
	if err != nil {
		return err
	}
	return p.process(ctx, users)
}

func (p *anonymizeUsers) process(ctx context.Context, users UserStore) error {
	var passwordHash string
	if p.opts.PasswordOverride != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.opts.PasswordOverride), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password override: %w", err)
		}
		passwordHash = string(hash)
	}
	twoFactor := p.env.TwoFactor
	if twoFactor == nil {
		twoFactor = noTwoFactor{}
	}

	var anonymized, preserved int
	err := users.EachUser(ctx, func(u userRow) error {
		if p.preserved(u.Email) {
			preserved++
			return nil
		}

		name, err := p.uniqueName(ctx, users)
		if err != nil {
			return err
		}
		values := make(map[string]any, len(p.opts.NameColumns)+2)
		for _, col := range p.opts.NameColumns {
			values[col] = name
		}
		values[p.opts.EmailColumn] = strings.ToLower(name) + "@" + p.opts.EmailDomain
		if passwordHash != "" {
			values[p.opts.PasswordColumn] = passwordHash
		}
		if err := users.Update(ctx, u.ID, values); err != nil {
			return err
		}
		if err := twoFactor.Disable(ctx, users, u.ID); err != nil {
			return fmt.Errorf("disable two-factor for user %v: %w", u.ID, err)
		}
		anonymized++
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("[DB]     %s: %d anonymized, %d preserved", p.table, anonymized, preserved)
	return nil
}

func (p *anonymizeUsers) preserved(email string) bool {
	for _, pattern := range p.opts.PreserveEmails {
		if pattern != "" && strings.Contains(email, pattern) {
			return true
		}
	}
	return false
}

// uniqueName draws candidates until one is not yet used in the first name column.
func (p *anonymizeUsers) uniqueName(ctx context.Context, users UserStore) (string, error) {
	column := p.opts.EmailColumn
	if len(p.opts.NameColumns) > 0 {
		column = p.opts.NameColumns[0]
	}
	for {
		name := p.newName()
		taken, err := users.Exists(ctx, column, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
	}
}

// twoFactorHook turns off second-factor authentication for a user so the
// account can be used locally.
type twoFactorHook interface {
	Disable(ctx context.Context, users UserStore, id any) error
}

// newTwoFactorHook returns the configured hook, or a no-op one.
func newTwoFactorHook(cfg TwoFactorConfig) twoFactorHook {
	if len(cfg.Columns) == 0 {
		return noTwoFactor{}
	}
	return columnsTwoFactor{columns: cfg.Columns}
}

type noTwoFactor struct{}

func (noTwoFactor) Disable(context.Context, UserStore, any) error { return nil }

// columnsTwoFactor clears the columns holding second-factor state.
type columnsTwoFactor struct {
	columns []string
}

func (h columnsTwoFactor) Disable(ctx context.Context, users UserStore, id any) error {
	values := make(map[string]any, len(h.columns))
	for _, c := range h.columns {
		values[c] = nil
	}
	return users.Update(ctx, id, values)
}
