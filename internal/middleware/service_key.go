package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var errUnknownService = errors.New("unknown service")

// ServiceKeyLookup returns the bcrypt hash of a service's API key
type ServiceKeyLookup func(serviceID string) (string, error)

// StaticServiceKeys serves key hashes from a fixed serviceID -> hash map
func StaticServiceKeys(hashes map[string]string) ServiceKeyLookup {
	return func(serviceID string) (string, error) {
		h, ok := hashes[serviceID]
		if !ok {
			return "", fmt.Errorf("%w: %s", errUnknownService, serviceID)
		}
		return h, nil
	}
}

// HashServiceKey produces the hash stored in configuration for a service key
func HashServiceKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash service key: %w", err)
	}
	return string(h), nil
}

// ServiceKeyMiddleware authenticates internal callers such as ledger relayers
func ServiceKeyMiddleware(lookup ServiceKeyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceID := c.GetHeader("X-Service-ID")
		apiKey := c.GetHeader("X-API-Key")

		if serviceID == "" || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials", "code": "unauthorized"})
			return
		}

		expectedHash, err := lookup(serviceID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "unauthorized"})
			return
		}

		c.Set("service_id", serviceID)
		c.Next()
	}
}

// GetServiceID extracts the authenticated service from context
func GetServiceID(c *gin.Context) string {
	return c.GetString("service_id")
}
