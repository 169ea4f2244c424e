package streamlog

// Stream and channel naming conventions shared by every component that opens
// a log or subscribes to interim updates, so producer, consumers, and jobs
// never disagree about a key name (spec.md §6 "Persistent state layout").

// AudioStreamName returns the per-client audio stream name, fanned out to
// the transcription and persistence consumer groups.
func AudioStreamName(clientID string) string {
	return "audio.stream." + clientID
}

// ResultStreamName returns the per-session transcription result stream name,
// written by C3/C4 and read by the aggregator (C6). Deleted wholesale by the
// Conversation Job's cleanup step on conversation end.
func ResultStreamName(sessionID string) string {
	return "transcript.results." + sessionID
}

// InterimChannelName returns the per-session pub/sub channel name carrying
// ephemeral interim transcript updates.
func InterimChannelName(sessionID string) string {
	return "transcript.interim." + sessionID
}
