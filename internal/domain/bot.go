package domain

// Bot identifies one automated portal account in the pool.
type Bot struct {
	// FriendCode is the portal's unique identifier for the bot account.
	FriendCode string `json:"friendCode"`
	// Available reports whether the bot's session is believed healthy.
	Available bool `json:"available"`
	// FriendCount is the bot's live friend count, reported best-effort.
	FriendCount int `json:"friendCount"`
}
