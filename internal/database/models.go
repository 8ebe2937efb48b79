package database

import "time"

type Room struct {
	Id          int
	Name        string
	Description string
}

type User struct {
	Id           int
	Username     string
	PasswordHash string
	Role         string
}

type Message struct {
	Id             int
	RoomId         int
	SenderId       int
	SenderUsername string
	Content        string
	Timestamp      time.Time
}

type CreateMessageParams struct {
	RoomId    int
	SenderId  int
	Content   string
	Timestamp time.Time
}
