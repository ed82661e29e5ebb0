// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"testing"

	"github.com/lattice-im/lattice/crosssigning"
)

func TestCrossSigningInfoRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	user := mustUserID(t, "@alice:example.org")
	info := &crosssigning.Info{
		UserID: user,
		Master: &crosssigning.Key{
			UserID:    user,
			Usage:     []string{crosssigning.UsageMaster},
			PublicKey: mustEdKey(t, 1),
		},
		SelfSigning: &crosssigning.Key{
			UserID:    user,
			Usage:     []string{crosssigning.UsageSelfSigning},
			PublicKey: mustEdKey(t, 2),
			Signatures: map[string]map[string]string{
				user.String(): {"ed25519:" + testKeyString(1): "c2lnbmF0dXJl"},
			},
		},
	}

	if err := store.PutCrossSigningInfo(ctx, info); err != nil {
		t.Fatalf("PutCrossSigningInfo failed: %v", err)
	}

	got, err := store.GetCrossSigningInfo(ctx, user)
	if err != nil {
		t.Fatalf("GetCrossSigningInfo failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetCrossSigningInfo returned nil for stored info")
	}
	if got.Master == nil || got.Master.PublicKey != info.Master.PublicKey {
		t.Errorf("master key = %+v, want %+v", got.Master, info.Master)
	}
	if got.SelfSigning == nil || got.SelfSigning.PublicKey != info.SelfSigning.PublicKey {
		t.Errorf("self-signing key = %+v, want %+v", got.SelfSigning, info.SelfSigning)
	}
	if got.UserSigning != nil {
		t.Errorf("user-signing key = %+v, want nil", got.UserSigning)
	}
	signature := got.SelfSigning.Signatures[user.String()]["ed25519:"+testKeyString(1)]
	if signature != "c2lnbmF0dXJl" {
		t.Errorf("signature = %q, want preserved", signature)
	}

	// Wholesale replacement drops keys absent from the new set.
	replacement := &crosssigning.Info{UserID: user, Master: info.Master}
	if err := store.PutCrossSigningInfo(ctx, replacement); err != nil {
		t.Fatalf("PutCrossSigningInfo failed: %v", err)
	}
	got, err = store.GetCrossSigningInfo(ctx, user)
	if err != nil {
		t.Fatalf("GetCrossSigningInfo failed: %v", err)
	}
	if got.SelfSigning != nil {
		t.Error("replaced info should no longer carry a self-signing key")
	}

	missing, err := store.GetCrossSigningInfo(ctx, mustUserID(t, "@nobody:example.org"))
	if err != nil {
		t.Fatalf("GetCrossSigningInfo for unknown user failed: %v", err)
	}
	if missing != nil {
		t.Errorf("GetCrossSigningInfo for unknown user = %+v, want nil", missing)
	}
}
