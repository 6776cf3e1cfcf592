/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package users

import (
	"context"
	"fmt"

	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/repository"
	"github.com/tomoncle/daokit/types"
)

type Service struct {
	sessions *database.SessionProvider
	users    repository.Repository[User]
	logger   database.Logger
}

func NewService(sessions *database.SessionProvider) *Service {
	return &Service{
		sessions: sessions,
		users:    repository.New[User](sessions),
		logger:   sessions.Logger(),
	}
}

// Repository exposes the underlying user repository.
func (s *Service) Repository() repository.Repository[User] { return s.users }

// EnsureRegistered returns the user with the profile's telegram id, creating
// it on first contact. Lookup and insert share one transaction.
func (s *Service) EnsureRegistered(ctx context.Context, p Profile) (*User, bool, error) {
	if p.TelegramID == 0 {
		return nil, false, fmt.Errorf("ensure registered: telegram id is required")
	}
	var (
		user    *User
		created bool
	)
	err := s.sessions.Transaction(ctx, func(ctx context.Context, session *database.Session) error {
		users := s.users.WithSession(session)
		found, err := users.FindOne(ctx, types.Filter{TelegramIDColumn: p.TelegramID})
		if err != nil || found != nil {
			user = found
			return err
		}
		user, err = users.Add(ctx, profileValues(p))
		created = err == nil
		return err
	})
	if database.IsDuplicateKey(err) {
		// registered concurrently by another request
		user, err = s.users.FindOne(ctx, types.Filter{TelegramIDColumn: p.TelegramID})
		created = false
	}
	if err != nil {
		return nil, false, fmt.Errorf("ensure registered %d: %w", p.TelegramID, err)
	}
	if created {
		s.logger.Info("User registered", "telegram_id", p.TelegramID, "id", user.ID)
	}
	return user, created, nil
}

// Sync creates the user or refreshes the reported profile fields. Fields the
// platform did not report keep their stored value.
func (s *Service) Sync(ctx context.Context, p Profile) (*User, error) {
	if p.TelegramID == 0 {
		return nil, fmt.Errorf("sync user: telegram id is required")
	}
	user, err := s.users.Upsert(ctx, []string{TelegramIDColumn}, profileValues(p))
	if err != nil {
		return nil, fmt.Errorf("sync user %d: %w", p.TelegramID, err)
	}
	return user, nil
}

// Get returns the user with telegramID, or nil when unknown.
func (s *Service) Get(ctx context.Context, telegramID int64) (*User, error) {
	return s.users.FindOne(ctx, types.Filter{TelegramIDColumn: telegramID})
}

func profileValues(p Profile) types.Values {
	return types.Values{
		TelegramIDColumn: p.TelegramID,
		UsernameColumn:   optional(p.Username),
		FullNameColumn:   optional(p.FullName),
	}
}
