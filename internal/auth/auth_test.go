package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/db"
	"github.com/CloudcraftTeche/cog-sub003/internal/models"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid password", "password123", false},
		{"empty password", "", false},
		{"long password", "a" + string(make([]byte, 70)), false}, // bcrypt max is 72 bytes
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("HashPassword() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && hash == "" {
				t.Error("HashPassword() returned empty hash")
			}
		})
	}
}

func TestVerifyPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		hash     string
		password string
		want     bool
	}{
		{"correct password", hash, password, true},
		{"wrong password", hash, "wrongpassword", false},
		{"empty password", hash, "", false},
		{"invalid hash", "invalidhash", password, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.hash, tt.password); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"
	token, err := GenerateAccessToken(42, models.RoleTeacher, secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name     string
		token    string
		secret   string
		wantUID  uint
		wantRole string
		wantErr  bool
	}{
		{"valid token", token, secret, 42, models.RoleTeacher, false},
		{"wrong secret", token, "wrong-secret", 0, "", true},
		{"invalid token", "invalid.token.here", secret, 0, "", true},
		{"empty token", "", secret, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			if claims.UserID != tt.wantUID {
				t.Errorf("ParseAccessToken() UserID = %v, want %v", claims.UserID, tt.wantUID)
			}
			if claims.Role != tt.wantRole {
				t.Errorf("ParseAccessToken() Role = %v, want %v", claims.Role, tt.wantRole)
			}
		})
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	token, err := GenerateAccessToken(1, models.RoleStudent, "test-secret", -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := ParseAccessToken(token, "test-secret")
	if err == nil {
		t.Error("ParseAccessToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseAccessToken() should return nil claims for expired token")
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	token1, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	token2, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	if token1 == token2 {
		t.Error("GenerateRefreshToken() should generate unique tokens")
	}
	// hex encoded 32 bytes = 64 chars
	if len(token1) != 64 {
		t.Errorf("GenerateRefreshToken() token length = %d, want 64", len(token1))
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query param", "/ws?token=abc", "", "abc"},
		{"bearer header", "/ws", "Bearer xyz", "xyz"},
		{"lowercase bearer", "/ws", "bearer xyz", "xyz"},
		{"query wins", "/ws?token=abc", "Bearer xyz", "abc"},
		{"basic auth ignored", "/ws", "Basic Zm9v", ""},
		{"missing", "/ws", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate_UsesStoredRole(t *testing.T) {
	gdb, err := db.OpenSQLite("file::memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	user := models.User{Username: "ms-okafor", PasswordHash: "x", Role: models.RoleTeacher}
	if err := gdb.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	// A token minted with a stale role still resolves to the stored role.
	token, _ := GenerateAccessToken(user.ID, models.RoleAdmin, "s", 5)
	id, err := Authenticate(gdb, "s", token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Role != models.RoleTeacher || id.Username != "ms-okafor" {
		t.Errorf("Authenticate() = %+v, want teacher ms-okafor", id)
	}

	if _, err := Authenticate(gdb, "s", ""); err == nil {
		t.Error("Authenticate() with empty token should fail")
	}
	ghost, _ := GenerateAccessToken(999, models.RoleAdmin, "s", 5)
	if _, err := Authenticate(gdb, "s", ghost); err == nil {
		t.Error("Authenticate() for unknown user should fail")
	}
}
