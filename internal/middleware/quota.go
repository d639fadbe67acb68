package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// QuotaReader exposes the account's current consumption for headers.
type QuotaReader interface {
	Usage(ctx context.Context, accountID, tier string) (limit, remaining int64, reset time.Time, err error)
}

// QuotaHeaders annotates responses with the account's quota position. The
// snapshot is taken on the way in, so it reflects consumption before this
// request settles. Ledger read failures are ignored; the headers are
// advisory.
func QuotaHeaders(reader QuotaReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity, ok := GetIdentity(c); ok {
			limit, remaining, reset, err := reader.Usage(c.Request.Context(), identity.AccountID, identity.Tier)
			if err == nil {
				c.Header("X-Quota-Limit", strconv.FormatInt(limit, 10))
				c.Header("X-Quota-Remaining", strconv.FormatInt(remaining, 10))
				c.Header("X-Quota-Reset", reset.UTC().Format(time.RFC3339))
			}
		}
		c.Next()
	}
}
