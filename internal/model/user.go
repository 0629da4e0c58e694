package model

// UserPublic - публичная карточка собеседника (id, имя, аватар).
type UserPublic struct {
	ID         ID     `json:"id"`
	Username   string `json:"username,omitempty"`
	Name       string `json:"name,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

// Avatar возвращает ссылку на аватар: profile_pic, иначе avatar_url.
func (u UserPublic) Avatar() string {
	if u.ProfilePic != "" {
		return u.ProfilePic
	}
	return u.AvatarURL
}

// DisplayName возвращает username, затем name, затем заглушку.
func (u UserPublic) DisplayName() string {
	switch {
	case u.Username != "":
		return u.Username
	case u.Name != "":
		return u.Name
	default:
		return "User"
	}
}

// User - текущий пользователь (GET /users/me).
type User struct {
	ID             ID     `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	Bio            string `json:"bio,omitempty"`
	ProfilePic     string `json:"profile_pic,omitempty"`
	FollowersCount int    `json:"followers_count,omitempty"`
	FollowingCount int    `json:"following_count,omitempty"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		Username:   u.Username,
		Name:       u.Name,
		ProfilePic: u.ProfilePic,
	}
}
