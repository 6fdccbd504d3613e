package validation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type submission struct {
	Category    string `json:"category" validate:"required,oneof=git vscode cmd"`
	CommandText string `json:"commandText" validate:"required,max=500"`
	Email       string `json:"email" validate:"omitempty,email"`
	Author      string `json:"author" validate:"omitempty,singleline"`
	Internal    string `json:"-" validate:"max=1"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name string
		in   submission
		want map[string]string
	}{
		{name: "valid", in: submission{Category: "git", CommandText: "git status", Author: "Ada Lovelace"}},
		{
			name: "line break in single line field",
			in:   submission{Category: "git", CommandText: "git status", Author: "Ada\r\nBcc: x@example.com"},
			want: map[string]string{"author": "must not contain line breaks"},
		},
		{
			name: "bare newline",
			in:   submission{Category: "git", CommandText: "git status", Author: "Ada\nX"},
			want: map[string]string{"author": "must not contain line breaks"},
		},
		{
			name: "reports json names",
			in:   submission{Category: "bash", Email: "nope"},
			want: map[string]string{
				"category":    "must be one of: git vscode cmd",
				"commandText": "is required",
				"email":       "must be a valid email address",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Struct() error = %v", err)
				}
				return
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("Struct() error = %v, want *Error", err)
			}
			if diff := cmp.Diff(tt.want, verr.Fields); diff != "" {
				t.Fatalf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestErrorMessageIsSorted(t *testing.T) {
	err := &Error{Fields: map[string]string{"b": "is required", "a": "is invalid"}}
	if got, want := err.Error(), "a: is invalid; b: is required"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
