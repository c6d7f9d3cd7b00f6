package consume

import "fmt"

// NoOffset marks a partition with nothing committed yet.
const NoOffset int64 = -1

func DedupKey(group, key string) string {
	return fmt.Sprintf("dedup::%s::%s", group, key)
}

// ClaimKey names the in-flight claim on key. It lives next to the dedup
// marker but expires much sooner.
func ClaimKey(group, key string) string {
	return fmt.Sprintf("claim::%s::%s", group, key)
}

// ReceiptKey identifies a message by its log position. It is the idempotency
// key of last resort for messages published without a business key.
func ReceiptKey(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("receipt::%s::%d::%d", topic, partition, offset)
}
