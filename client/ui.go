package client

import (
	t "github.com/meshtalk/meshtalk/client/store/types"
)

// ItemView is a contact-list or chat-list item owned by the presentation
// layer. All methods are called synchronously from the engine's run loop
// and must not block.
type ItemView interface {
	// UpdateTitle replaces the displayed title.
	UpdateTitle(title string)
	// UpdateOnlineStatus replaces the online indication.
	UpdateOnlineStatus(pres t.Presence)
	// UpdateUnreadCount replaces the unread-message badge.
	UpdateUnreadCount(count int)
}

// ChatWindow is an open conversation view.
type ChatWindow interface {
	ItemView
}

// ContactListView is the contact/chat list of the presentation layer.
type ContactListView interface {
	CreateContactItem(user t.Uid, email string) ItemView
	RemoveContactItem(view ItemView)
	CreateGroupChatItem(chat t.ChatID, title string) ItemView
	RemoveGroupChatItem(view ItemView)
}

// UI is the capability set of the presentation layer collaborator.
type UI interface {
	ContactList() ContactListView
	CreateChatWindow(chat t.ChatID, title string) ChatWindow
}
