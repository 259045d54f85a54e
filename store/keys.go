package store

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Partition key prefixes. Each entity type occupies its own partition so
// prefix scans never cross entity types.
const (
	userPK        = "user"
	userLoginPK   = "user_login"
	userSessionPK = "user_session"
	userSigninPK  = "user_signin"
	oauthPK       = "oauth"
)

func key(pk, sk string) PK {
	return PK{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

// imagePK scopes a user's images to their own partition.
func imagePK(uid string) string {
	return "image#" + uid
}

// signinTimeLayout is RFC 3339 with a fixed-width fractional second.
// time.RFC3339Nano trims trailing zeros, which breaks the property that
// lexicographic sort key order equals signin-time order.
const signinTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// signinSK builds the audit sort key. The timestamp prefix keeps the
// partition sorted by signin time; the id suffix disambiguates two users
// signing in at the same instant.
func signinSK(at time.Time, id string) string {
	return at.UTC().Format(signinTimeLayout) + "#" + id
}

// parseSigninSK recovers the signin time from an audit sort key.
func parseSigninSK(sk string) (time.Time, bool) {
	i := strings.LastIndexByte(sk, '#')
	if i < 0 {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, sk[:i])
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
