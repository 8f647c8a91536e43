package notify

// Полезные нагрузки событий lobby-канала. Поля sender_* заполняет отправитель
// для подписи уведомления и отсечения собственного эха.

// NewDM — новое личное сообщение.
type NewDM struct {
	ReceiverID string `json:"receiver_id"`
	SessionID  string `json:"session_id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
}

// DMSessionEnded — собеседник завершил личную сессию.
type DMSessionEnded struct {
	OtherPartyID string `json:"other_party_id"`
	SessionID    string `json:"session_id"`
	SenderID     string `json:"sender_id,omitempty"`
}

// NewGroupMessage — новое сообщение в группе. MemberIDs без отправителя.
type NewGroupMessage struct {
	GroupID    string   `json:"group_id"`
	MemberIDs  []string `json:"member_ids"`
	SenderID   string   `json:"sender_id,omitempty"`
	SenderName string   `json:"sender_name,omitempty"`
}

// GroupSessionEnded — создатель завершил группу.
type GroupSessionEnded struct {
	GroupID   string   `json:"group_id"`
	MemberIDs []string `json:"member_ids"`
	SenderID  string   `json:"sender_id,omitempty"`
}

// FriendRequest — входящая заявка в друзья.
type FriendRequest struct {
	RecipientID string `json:"recipient_id"`
	SenderID    string `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
}
