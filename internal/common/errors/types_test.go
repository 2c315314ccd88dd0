package errors

import (
	"errors"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name: "basic error",
			appError: &AppError{
				Type:    ErrTypeConfig,
				Message: "token url is missing",
			},
			want: "config: token url is missing",
		},
		{
			name: "error with code",
			appError: &AppError{
				Type:    ErrTypeProvider,
				Message: "refresh token revoked",
				Code:    "invalid_grant",
			},
			want: "provider: refresh token revoked: code=invalid_grant",
		},
		{
			name: "error with cause",
			appError: &AppError{
				Type:    ErrTypeConnection,
				Message: "token endpoint unreachable",
				Cause:   errors.New("network timeout"),
			},
			want: "connection: token endpoint unreachable: cause=network timeout",
		},
		{
			name: "error with context",
			appError: &AppError{
				Type:    ErrTypeValidation,
				Message: "field validation failed",
				Context: map[string]interface{}{
					"field": "client_id",
				},
			},
			want: "validation: field validation failed: context={field=client_id}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	appErr := InternalError("wrapper", cause)

	if !errors.Is(appErr, cause) {
		t.Error("expected errors.Is to find the underlying cause")
	}
	if appErr.Unwrap() != cause {
		t.Error("expected Unwrap to return the cause")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		wantType ErrorType
		wantCode string
	}{
		{"connection", ConnectionError("dial failed", nil), ErrTypeConnection, ""},
		{"validation", ValidationError("bad input"), ErrTypeValidation, ""},
		{"config", ConfigError("missing secret"), ErrTypeConfig, ""},
		{"auth", AuthError("bad token"), ErrTypeAuth, ""},
		{"not found", NotFoundError("credential"), ErrTypeNotFound, ""},
		{"internal", InternalError("boom", nil), ErrTypeInternal, ""},
		{"timeout", TimeoutError("exchange"), ErrTypeTimeout, ""},
		{"decryption", DecryptionError("payload corrupt", nil), ErrTypeDecryption, CodeDecryptionFailed},
		{"conflict", ConflictError("credential"), ErrTypeConflict, ""},
		{"provider", ProviderError("invalid_grant", "grant revoked"), ErrTypeProvider, "invalid_grant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", tt.err.Type, tt.wantType)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
		})
	}
}

func TestIsType(t *testing.T) {
	confErr := ConfigError("missing token url")

	if !IsType(confErr, ErrTypeConfig) {
		t.Error("expected IsType to match config error")
	}
	if IsType(confErr, ErrTypeConnection) {
		t.Error("expected IsType to reject mismatched type")
	}
	if IsType(nil, ErrTypeConfig) {
		t.Error("expected IsType to reject nil")
	}
	if IsType(errors.New("plain"), ErrTypeConfig) {
		t.Error("expected IsType to reject plain errors")
	}
}

func TestGetType(t *testing.T) {
	if got := GetType(nil); got != "" {
		t.Errorf("GetType(nil) = %q, want empty", got)
	}
	if got := GetType(errors.New("plain")); got != ErrTypeInternal {
		t.Errorf("GetType(plain) = %q, want internal", got)
	}
	if got := GetType(ConflictError("credential")); got != ErrTypeConflict {
		t.Errorf("GetType = %q, want conflict", got)
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %q, want empty", got)
	}
	if got := GetCode(errors.New("plain")); got != "" {
		t.Errorf("GetCode(plain) = %q, want empty", got)
	}
	if got := GetCode(ProviderError("access_denied", "no")); got != "access_denied" {
		t.Errorf("GetCode = %q, want access_denied", got)
	}
	if got := GetCode(ValidationError("x").WithCode(CodeNoRefreshToken)); got != CodeNoRefreshToken {
		t.Errorf("GetCode = %q, want %s", got, CodeNoRefreshToken)
	}
}
