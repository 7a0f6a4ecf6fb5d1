package cache

import "fmt"

func RequestStatusKey(requestID string) string {
	return fmt.Sprintf("request:%s:status", requestID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
