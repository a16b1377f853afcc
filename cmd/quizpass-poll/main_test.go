package main

import (
	"strings"
	"testing"

	"github.com/dukerupert/quizpass/internal/poller"
)

func TestValidate(t *testing.T) {
	full := poller.Config{
		BaseURL:   "http://quizpass.test",
		SessionID: "sess-1",
		Ticket:    "tkt",
		Email:     "a@example.com",
	}
	if err := validate(full); err != nil {
		t.Errorf("validate(full) = %v, want nil", err)
	}

	noEmail := full
	noEmail.Email = " "
	err := validate(noEmail)
	if err == nil || !strings.Contains(err.Error(), "-email") {
		t.Errorf("validate without email = %v, want error naming -email", err)
	}

	err = validate(poller.Config{})
	if err == nil {
		t.Fatal("validate(empty) = nil, want error")
	}
	for _, name := range []string{"-base-url", "-session", "-ticket", "-email"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not name %s", err, name)
		}
	}
}
