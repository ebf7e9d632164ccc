package domain

// Named collections of a local bot.
const (
	Followers        = "followers"
	Following        = "following"
	Blocked          = "blocked"
	PendingFollowing = "pendingFollowing"
	PendingFollowers = "pendingFollowers"
	InboxCollection  = "inbox"
	OutboxCollection = "outbox"
)

// Named collections of an object.
const (
	Replies = "replies"
	Likes   = "likes"
	Shares  = "shares"
	Likers  = "likers"
	Sharers = "sharers"
)
