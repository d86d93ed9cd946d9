package graph

import "time"

// UserInfo is the signed-in user's profile from /me.
type UserInfo struct {
	ID                string   `json:"id,omitempty"`
	DisplayName       string   `json:"displayName,omitempty"`
	GivenName         string   `json:"givenName,omitempty"`
	Surname           string   `json:"surname,omitempty"`
	UserPrincipalName string   `json:"userPrincipalName,omitempty"`
	Mail              string   `json:"mail,omitempty"`
	JobTitle          string   `json:"jobTitle,omitempty"`
	MobilePhone       string   `json:"mobilePhone,omitempty"`
	BusinessPhones    []string `json:"businessPhones,omitempty"`
	OfficeLocation    string   `json:"officeLocation,omitempty"`
	PreferredLanguage string   `json:"preferredLanguage,omitempty"`
}

// MailInfo is a page of messages from /me/messages.
type MailInfo struct {
	Value    []Message `json:"value"`
	NextLink string    `json:"@odata.nextLink,omitempty"`
}

// Message is the subset of a mail message the CLI shows.
type Message struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject"`
	BodyPreview      string     `json:"bodyPreview,omitempty"`
	ReceivedDateTime time.Time  `json:"receivedDateTime"`
	IsRead           bool       `json:"isRead"`
	From             *Recipient `json:"from,omitempty"`
}

// Recipient wraps an email address as Graph returns it.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is a display name and address pair.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Sender returns the best display form of the message sender.
func (m Message) Sender() string {
	if m.From == nil {
		return ""
	}
	if m.From.EmailAddress.Name != "" {
		return m.From.EmailAddress.Name
	}
	return m.From.EmailAddress.Address
}
