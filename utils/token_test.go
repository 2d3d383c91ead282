package utils

import (
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	token, err := GenerateDeviceToken("device-1", "store-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	claims, err := ValidateDeviceToken(token)
	if err != nil {
		t.Fatalf("ValidateDeviceToken: %v", err)
	}
	if claims.DeviceId != "device-1" || claims.StoreId != "store-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestDeviceTokensAreUniquePerIssue(t *testing.T) {
	a, err := GenerateDeviceToken("device-1", "store-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	b, err := GenerateDeviceToken("device-1", "store-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	if a == b {
		t.Fatal("two issues for the same device must not collide")
	}
}

func TestDeviceTokenRejectsTampering(t *testing.T) {
	token, err := GenerateDeviceToken("device-1", "store-1")
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	flip := byte('A')
	if token[len(token)-1] == flip {
		flip = 'B'
	}
	tampered := token[:len(token)-1] + string(flip)
	if _, err := ValidateDeviceToken(tampered); err == nil {
		t.Fatal("tampered token must be rejected")
	}
}

func TestDeviceTokenRejectsExpired(t *testing.T) {
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, &DeviceClaims{
		DeviceId: "device-1",
		StoreId:  "store-1",
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(-time.Hour).Unix(),
			IssuedAt:  time.Now().Add(-2 * time.Hour).Unix(),
		},
	})
	token, err := raw.SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}
	if _, err := ValidateDeviceToken(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}
