package users

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// RoleType is the practice role carried on a user snapshot.
type RoleType string

const (
	RoleClinician RoleType = "clinician" // Sees and treats patients
	RoleAdmin     RoleType = "admin"     // Runs the practice: users, settings, audit
)

// Valid reports whether r is one of the known roles.
func (r RoleType) Valid() bool {
	return r == RoleClinician || r == RoleAdmin
}

// Preferences holds per-user UI preferences.
type Preferences struct {
	Language      string `json:"language,omitempty"`
	Theme         string `json:"theme,omitempty"`
	Notifications bool   `json:"notifications"`
}

// User is the denormalized profile snapshot returned by the backend on login and refresh.
// It is always replaced wholesale, never patched field by field.
type User struct {
	ID            string      `json:"id"`                      // Unique identifier for the user
	Email         string      `json:"email"`                   // User's email address
	FirstName     string      `json:"firstName,omitempty"`     // First name of the user
	LastName      string      `json:"lastName,omitempty"`      // Last name of the user
	Role          RoleType    `json:"role"`                    // clinician or admin
	Specialty     string      `json:"specialty,omitempty"`     // Medical specialty, clinicians only
	LicenseNumber string      `json:"licenseNumber,omitempty"` // Professional license id
	IsActive      bool        `json:"isActive"`                // Account enabled by the practice
	IsVerified    bool        `json:"isVerified"`              // Identity and license verified
	Preferences   Preferences `json:"preferences"`
	LastLogin     time.Time   `json:"lastLogin,omitempty"`
}

// FullName returns "First Last", trimmed.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// IsAdmin returns true if the user holds the admin role
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the self-registration request body.
type Registration struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Specialty     string `json:"specialty,omitempty"`
	LicenseNumber string `json:"licenseNumber,omitempty"`
}

// Validate checks the fields a backend would reject before a round trip is spent on them.
func (r Registration) Validate() error {
	if strings.TrimSpace(r.Email) == "" || !strings.Contains(r.Email, "@") {
		return fmt.Errorf("a valid email address is required")
	}
	if strings.TrimSpace(r.FirstName) == "" || strings.TrimSpace(r.LastName) == "" {
		return fmt.Errorf("first and last name are required")
	}
	return ValidatePasswordStrength(r.Password)
}

// Account is a user as the backend stores it, with the password hash that never leaves it.
type Account struct {
	User         User
	PasswordHash string
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		} else if unicode.IsLower(char) {
			hasLower = true
		} else if unicode.IsDigit(char) {
			hasNumber = true
		}
	}

	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}

	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
