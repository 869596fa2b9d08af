package wecom

// Message is the JSON body of message/send. Exactly one content field is set,
// matching MsgType.
type Message struct {
	ToUser   string           `json:"touser"`
	MsgType  string           `json:"msgtype"`
	AgentID  int64            `json:"agentid"`
	Text     *TextContent     `json:"text,omitempty"`
	Markdown *TextContent     `json:"markdown,omitempty"`
	File     *MediaContent    `json:"file,omitempty"`
	Location *LocationContent `json:"location,omitempty"`
}

type TextContent struct {
	Content string `json:"content"`
}

type MediaContent struct {
	MediaID string `json:"media_id"`
}

type LocationContent struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Title     string `json:"title"`
	Address   string `json:"address"`
	Scale     int    `json:"scale"`
}

// SendResult is the platform's answer to message/send.
type SendResult struct {
	MsgID        string `json:"msgid"`
	InvalidUser  string `json:"invaliduser"`
	InvalidParty string `json:"invalidparty"`
	InvalidTag   string `json:"invalidtag"`
}

// User is the subset of user/get the gateway exposes.
type User struct {
	UserID     string  `json:"userid"`
	Name       string  `json:"name"`
	Department []int64 `json:"department"`
	Position   string  `json:"position"`
	Mobile     string  `json:"mobile"`
	Email      string  `json:"email"`
	Avatar     string  `json:"avatar"`
	Status     int     `json:"status"`
}

// Media is a file fetched through media/get.
type Media struct {
	ID          string
	ContentType string
	// Filename comes from Content-Disposition and may be empty.
	Filename string
	Data     []byte
}

// Department is the subset of department/get the gateway exposes.
type Department struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parentid"`
	Order    int64  `json:"order"`
}

// envelope is embedded in every API response.
type envelope struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (e envelope) err(status int) error {
	if e.ErrCode == 0 {
		return nil
	}
	return &APIError{Code: e.ErrCode, Message: e.ErrMsg, HTTPStatus: status}
}

type tokenResponse struct {
	envelope
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type sendResponse struct {
	envelope
	SendResult
}

type uploadResponse struct {
	envelope
	Type      string `json:"type"`
	MediaID   string `json:"media_id"`
	CreatedAt string `json:"created_at"`
}

type userResponse struct {
	envelope
	User
}

type departmentResponse struct {
	envelope
	Department Department `json:"department"`
}
