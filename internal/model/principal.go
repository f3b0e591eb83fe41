package model

// Principal — аутентифицированный пользователь, полученный от внешнего сервиса авторизации.
// Ядро сообщений считает его уже проверенным и не перечитывает профиль.
type Principal struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	Role      string `json:"role"`
}
