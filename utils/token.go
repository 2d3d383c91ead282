package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

// DeviceClaims is the signed identity a device presents on every request.
// Rotation is enforced by the device's current_token column, not by the
// signature alone.
type DeviceClaims struct {
	DeviceId string `json:"device_id"`
	StoreId  string `json:"store_id"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "Stocktake-Secret"
	}
	return secret
}

func tokenLifespan() time.Duration {
	if hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN")); err == nil && hours > 0 {
		return time.Hour * time.Duration(hours)
	}
	return 24 * time.Hour
}

func GenerateDeviceToken(deviceId string, storeId string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &DeviceClaims{
		DeviceId: deviceId,
		StoreId:  storeId,
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			ExpiresAt: time.Now().Add(tokenLifespan()).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})
	return t.SignedString(jwtSecret)
}

// ValidateDeviceToken checks the signature and expiry and returns the claims.
func ValidateDeviceToken(token string) (*DeviceClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DeviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*DeviceClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid device token")
	}
	return claims, nil
}
