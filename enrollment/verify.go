package enrollment

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rezrewards/models"
)

// QRCredential is an issued check-in token.
type QRCredential struct {
	Token     string     `json:"token"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// OTPCredential is an issued verification code.
type OTPCredential struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GenerateQR issues a fresh check-in token for a registered enrollment.
// Reissuing replaces any earlier credential, of any method.
func (s *Service) GenerateQR(ctx context.Context, userID, programID uuid.UUID) (*QRCredential, error) {
	var credential *QRCredential
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		enr, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if txErr := ValidateTransition(enr.Status, models.StatusCheckedIn); txErr != nil {
			return txErr
		}
		token, txErr := randomToken()
		if txErr != nil {
			return txErr
		}
		now := s.now().UTC()
		enr.ClearVerification()
		enr.Method = models.VerifyQR
		enr.QRToken = &token
		enr.QRIssuedAt = &now
		if txErr := tx.Save(enr).Error; txErr != nil {
			return txErr
		}
		credential = &QRCredential{Token: token, IssuedAt: now}
		if s.qrTTL > 0 {
			expires := now.Add(s.qrTTL)
			credential.ExpiresAt = &expires
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credential, nil
}

// VerifyQR checks a participant in by a scanned token. The token is single
// use: the transition clears it.
func (s *Service) VerifyQR(ctx context.Context, token string, verifiedBy uuid.UUID) (enr *models.Enrollment, err error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e models.Enrollment
		txErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&e, "qr_token = ?", token).Error
		if txErr != nil {
			if errors.Is(txErr, gorm.ErrRecordNotFound) {
				return ErrInvalidToken
			}
			return txErr
		}
		if s.qrTTL > 0 && e.QRIssuedAt != nil && s.now().After(e.QRIssuedAt.Add(s.qrTTL)) {
			return ErrInvalidToken
		}
		if txErr := s.markCheckedIn(tx, &e, models.VerifyQR, &verifiedBy); txErr != nil {
			return txErr
		}
		// Consume the token.
		if txErr := tx.Model(&e).Update("qr_token", nil).Error; txErr != nil {
			return txErr
		}
		e.QRToken = nil
		enr = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCheckIn(string(models.VerifyQR))
	s.log.Info("check-in verified", "method", models.VerifyQR, "user", enr.UserID, "program", enr.ProgramID)
	return enr, nil
}

// GenerateOTP issues a short-lived numeric code for a registered enrollment.
func (s *Service) GenerateOTP(ctx context.Context, userID, programID uuid.UUID) (*OTPCredential, error) {
	var credential *OTPCredential
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		enr, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if txErr := ValidateTransition(enr.Status, models.StatusCheckedIn); txErr != nil {
			return txErr
		}
		code, txErr := randomOTP()
		if txErr != nil {
			return txErr
		}
		expires := s.now().UTC().Add(s.otpTTL)
		enr.ClearVerification()
		enr.Method = models.VerifyOTP
		enr.OTPCode = code
		enr.OTPExpiresAt = &expires
		if txErr := tx.Save(enr).Error; txErr != nil {
			return txErr
		}
		credential = &OTPCredential{Code: code, ExpiresAt: expires}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credential, nil
}

// VerifyOTP checks a participant in by their issued code.
func (s *Service) VerifyOTP(ctx context.Context, userID, programID uuid.UUID, code string, verifiedBy uuid.UUID) (enr *models.Enrollment, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if e.OTPCode == "" || code == "" || e.OTPCode != code {
			return ErrInvalidOTP
		}
		if e.OTPExpiresAt == nil || s.now().After(*e.OTPExpiresAt) {
			return ErrExpiredOTP
		}
		if txErr := s.markCheckedIn(tx, e, models.VerifyOTP, &verifiedBy); txErr != nil {
			return txErr
		}
		// Consume the code.
		if txErr := tx.Model(e).Update("otp_code", "").Error; txErr != nil {
			return txErr
		}
		e.OTPCode = ""
		enr = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCheckIn(string(models.VerifyOTP))
	s.log.Info("check-in verified", "method", models.VerifyOTP, "user", userID, "program", programID)
	return enr, nil
}

// VerifyGeo checks a participant in by their reported position. The position
// must fall within the program's check-in radius, or the service default when
// the program does not define one.
func (s *Service) VerifyGeo(ctx context.Context, userID, programID uuid.UUID, lat, lng float64) (enr *models.Enrollment, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		var program models.Program
		if txErr := tx.First(&program, "id = ?", programID).Error; txErr != nil {
			if errors.Is(txErr, gorm.ErrRecordNotFound) {
				return ErrProgramNotFound
			}
			return txErr
		}
		radius := program.CheckInRadiusM
		if radius <= 0 {
			radius = s.defaultRadiusM
		}
		if radius <= 0 {
			return ErrGeoNotConfigured
		}
		distance := haversineMetres(program.Latitude, program.Longitude, lat, lng)
		if distance > radius {
			return fmt.Errorf("%w: %.0fm from venue, radius %.0fm", ErrOutOfRange, distance, radius)
		}
		if txErr := s.markCheckedIn(tx, e, models.VerifyGeo, nil); txErr != nil {
			return txErr
		}
		if txErr := tx.Model(e).Updates(map[string]any{
			"geo_latitude":   lat,
			"geo_longitude":  lng,
			"geo_distance_m": distance,
		}).Error; txErr != nil {
			return txErr
		}
		e.GeoLatitude = &lat
		e.GeoLongitude = &lng
		e.GeoDistanceM = &distance
		enr = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCheckIn(string(models.VerifyGeo))
	s.log.Info("check-in verified", "method", models.VerifyGeo, "user", userID, "program", programID)
	return enr, nil
}

const earthRadiusM = 6_371_000

// haversineMetres returns the great-circle distance between two coordinates.
func haversineMetres(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := crand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func randomOTP() (string, error) {
	n, err := crand.Int(crand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
