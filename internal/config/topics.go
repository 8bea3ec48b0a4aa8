package config

// NSQ topics. Live updates flow through the queue so the request surface never
// blocks on embedding; bulk ingestion is synchronous and bypasses NSQ.
const (
	TopicIngestLive = "memory.ingest.live"
)
