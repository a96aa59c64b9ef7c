package store

import (
	"slices"

	domain "github.com/example/chat-sync/domain/chat"
)

// Reduce returns the state after applying a. It never mutates s and
// never fails; unknown actions return an unchanged copy. Only the parts
// of the state an action touches are copied, the rest is shared with s.
func Reduce(s State, a Action) State {
	next := s.shallow()
	switch a := a.(type) {
	case SetSocketConnected:
		next.Chat.SocketConnected = a.Connected
	case SetRooms:
		next.Chat.Rooms = cloneRooms(a.Rooms)
	case AddRoom:
		rooms := slices.Clone(next.Chat.Rooms)
		if i := indexOfRoom(rooms, a.Room.ID); i >= 0 {
			rooms[i] = cloneRoom(a.Room)
		} else {
			rooms = append(rooms, cloneRoom(a.Room))
		}
		next.Chat.Rooms = rooms
	case UpdateRoom:
		if i := indexOfRoom(next.Chat.Rooms, a.Room.ID); i >= 0 {
			rooms := slices.Clone(next.Chat.Rooms)
			rooms[i] = cloneRoom(a.Room)
			next.Chat.Rooms = rooms
		}
	case RemoveUserFromRoom:
		if i := indexOfRoom(next.Chat.Rooms, a.RoomID); i >= 0 {
			rooms := slices.Clone(next.Chat.Rooms)
			rooms[i] = rooms[i].WithoutMember(a.UserID)
			next.Chat.Rooms = rooms
		}
	case SetSelectedRoom:
		selectRoom(&next.Chat, a.RoomID)
	case ClearSelectedRoom:
		next.Chat.SelectedRoomID = ""
	case AddMessage:
		next.Chat.Messages[a.RoomID] = appendMessage(next.Chat.Messages[a.RoomID], cloneMessage(a.Message))
		countUnread(&next.Chat, a.RoomID)
	case ReceiveMessage:
		roomID := a.Message.RoomID
		msgs := next.Chat.Messages[roomID]
		if i := indexOfMessage(msgs, a.Message.ID); i >= 0 {
			msgs = slices.Clone(msgs)
			msgs[i] = cloneMessage(a.Message)
			next.Chat.Messages[roomID] = msgs
			break
		}
		next.Chat.Messages[roomID] = appendMessage(msgs, cloneMessage(a.Message))
		countUnread(&next.Chat, roomID)
	case SetMessages:
		next.Chat.Messages[a.RoomID] = cloneMessages(a.Messages)
		if next.Chat.Messages[a.RoomID] == nil {
			next.Chat.Messages[a.RoomID] = []domain.Message{}
		}
		next.Chat.MessagesLoaded[a.RoomID] = true
	case MergeHistory:
		next.Chat.Messages[a.RoomID] = mergeHistory(next.Chat.Messages[a.RoomID], a.Page, a.Prepend)
		next.Chat.MessagesLoaded[a.RoomID] = true
		next.Chat.HasMoreMessages[a.RoomID] = a.HasMore
	case MarkRoomMessagesLoaded:
		next.Chat.MessagesLoaded[a.RoomID] = true
	case SetUnreadCount:
		next.Chat.UnreadCounts[a.RoomID] = max(a.Count, 0)
	case SetHasMoreMessages:
		next.Chat.HasMoreMessages[a.RoomID] = a.HasMore
	case SetLoadingRooms:
		next.Chat.LoadingRooms = a.Loading
	case SetLoadingMessages:
		next.Chat.LoadingMessages = a.Loading

	case SendMessage:
		// Optimistic local copy of the sender's own message.
		roomID := a.Message.RoomID
		if indexOfMessage(next.Chat.Messages[roomID], a.Message.ID) < 0 {
			next.Chat.Messages[roomID] = appendMessage(next.Chat.Messages[roomID], cloneMessage(a.Message))
		}
	case JoinRoom:
		selectRoom(&next.Chat, a.RoomID)
	case QuitRoom:
		if next.Chat.SelectedRoomID == a.RoomID {
			next.Chat.SelectedRoomID = ""
		}
	case InitializeSocket, DisconnectSocket, InviteToRoom:

	case AddNotification:
		n := a.Notification
		if indexOfNotification(next.Notification.Notifications, n.ID) >= 0 {
			break
		}
		next.Notification.Notifications = append([]domain.Notification{cloneNotification(n)}, next.Notification.Notifications...)
		if !n.Read {
			next.Notification.UnreadCount++
		}
	case MarkNotificationRead:
		i := indexOfNotification(next.Notification.Notifications, a.ID)
		if i < 0 || next.Notification.Notifications[i].Read {
			break
		}
		ns := slices.Clone(next.Notification.Notifications)
		ns[i].Read = true
		next.Notification.Notifications = ns
		next.Notification.UnreadCount = max(next.Notification.UnreadCount-1, 0)
	case SetNotifications:
		next.Notification.Notifications = cloneNotifications(a.Notifications)
		next.Notification.UnreadCount = countUnreadNotifications(next.Notification.Notifications)

	case Rehydrate:
		for roomID, msgs := range a.Snapshot.Messages {
			next.Chat.Messages[roomID] = cloneMessages(msgs)
		}
		if a.Snapshot.Notifications != nil {
			next.Notification.Notifications = cloneNotifications(a.Snapshot.Notifications)
			next.Notification.UnreadCount = countUnreadNotifications(next.Notification.Notifications)
		}
	}
	return next
}

// selectRoom selects roomID and clears its unread count in one step.
func selectRoom(c *ChatState, roomID string) {
	c.SelectedRoomID = roomID
	if roomID != "" {
		c.UnreadCounts[roomID] = 0
	}
}

func countUnread(c *ChatState, roomID string) {
	if roomID != c.SelectedRoomID {
		c.UnreadCounts[roomID]++
	}
}

func indexOfRoom(rooms []domain.Room, id string) int {
	for i, r := range rooms {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func indexOfNotification(ns []domain.Notification, id string) int {
	if id == "" {
		return -1
	}
	for i, n := range ns {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func countUnreadNotifications(ns []domain.Notification) int {
	n := 0
	for _, x := range ns {
		if !x.Read {
			n++
		}
	}
	return n
}
