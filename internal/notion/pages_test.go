package notion

import (
	"errors"
	"testing"

	"github.com/fclairamb/notrition/internal/apperrors"
)

func TestParsePageIDOrURL(t *testing.T) {
	t.Parallel()

	const want = "0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "raw id", input: "0123456789abcdef0123456789abcdef", want: want},
		{name: "upper case id", input: "0123456789ABCDEF0123456789ABCDEF", want: want},
		{name: "dashed id", input: "01234567-89ab-cdef-0123-456789abcdef", want: want},
		{name: "padded id", input: "  0123456789abcdef0123456789abcdef\n", want: want},
		{name: "url with title", input: "https://www.notion.so/acme/Chili-con-carne-0123456789abcdef0123456789abcdef", want: want},
		{name: "url without title", input: "https://www.notion.so/0123456789abcdef0123456789abcdef?pvs=4", want: want},
		{name: "empty", input: "  ", wantErr: apperrors.ErrEmptyInput},
		{name: "too short", input: "abc123", wantErr: apperrors.ErrInvalidPageIDFormat},
		{name: "not hex", input: "0123456789abcdef0123456789abcdeg", wantErr: apperrors.ErrInvalidPageIDFormat},
		{name: "url without id", input: "https://www.notion.so/acme/Recipes", wantErr: apperrors.ErrInvalidPageIDFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParsePageIDOrURL(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParsePageIDOrURL(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePageIDOrURL(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParsePageIDOrURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
