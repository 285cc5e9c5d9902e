// ABOUTME: Tests for AuthContext propagation through context.Context
// ABOUTME: Covers WithAuth, FromContext, and the MustFromContext panic

package auth

import (
	"context"
	"testing"
)

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil for empty context")
	}

	want := &AuthContext{UserID: 3, Username: "carol"}
	ctx := WithAuth(context.Background(), want)
	if got := FromContext(ctx); got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustFromContext(context.Background())
}
