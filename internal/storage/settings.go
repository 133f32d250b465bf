// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"

	"github.com/okemovail/polaris/internal/model"
)

const settingsKey = "settings"

// LoadSettings returns the stored sampling settings, or the defaults when
// none are stored or the stored record is invalid.
func (s *Store) LoadSettings(ctx context.Context) (model.Settings, error) {
	var settings model.Settings
	if err := s.Get(ctx, settingsKey, &settings); err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.DefaultSettings(), nil
		}
		return model.DefaultSettings(), err
	}
	if settings.Validate() != nil {
		return model.DefaultSettings(), nil
	}
	return settings, nil
}

// SaveSettings validates and stores settings.
func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.Put(ctx, settingsKey, settings)
}
