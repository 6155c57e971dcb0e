package domain

import "testing"

func TestValidMpesaPhone(t *testing.T) {
	valid := []string{"254712345678", "254110000000"}
	for _, phone := range valid {
		if !ValidMpesaPhone(phone) {
			t.Errorf("ValidMpesaPhone(%q) = false, want true", phone)
		}
	}

	invalid := []string{
		"0712345678",    // local format
		"+254712345678", // leading plus
		"25471234567",   // too short
		"2547123456789", // too long
		"254912345678",  // bad operator prefix
		"",
	}
	for _, phone := range invalid {
		if ValidMpesaPhone(phone) {
			t.Errorf("ValidMpesaPhone(%q) = true, want false", phone)
		}
	}
}
