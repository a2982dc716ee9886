package models

// User 目录中的用户（老人或监护人）
type User struct {
	ID          int64  `json:"id" db:"id"`
	Username    string `json:"username" db:"username"`
	FirstName   string `json:"first_name" db:"first_name"`
	Role        string `json:"role" db:"role"` // senior, guardian
	PushAddress string `json:"-" db:"fcm_token"`
}

// DisplayName 推送文案里使用的称呼
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}
