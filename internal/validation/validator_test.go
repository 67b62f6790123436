// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	ID    string `validate:"required,server_id"`
	Type  string `validate:"oneof=plex jellyfin emby"`
	URL   string `validate:"required,url"`
	Limit int    `validate:"min=1,max=100"`
}

func TestValidateStruct(t *testing.T) {
	ok := sample{ID: "plex-1", Type: "plex", URL: "http://plex:32400", Limit: 10}
	if err := ValidateStruct(&ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := sample{ID: "bad id", Type: "kodi", URL: "", Limit: 0}
	err := ValidateStruct(&bad)
	var verr *Errors
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Errors, got %T", err)
	}
	if len(verr.Fields) != 4 {
		t.Fatalf("expected 4 field errors, got %d: %v", len(verr.Fields), err)
	}

	msg := err.Error()
	for _, want := range []string{"sample.ID may only contain", "sample.Type must be one of: plex jellyfin emby", "sample.URL is required", "sample.Limit must be at least 1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
