// Package store 提供会话的持久化与实时外发。
//
// Archive 用 SQLite 归档整场会话（conference.Recorder 的实现），
// Publisher 把对话条目推入按会话划分的 Redis Stream
// （conference.DialogueSink 的实现），供外层网关实时消费。
package store
