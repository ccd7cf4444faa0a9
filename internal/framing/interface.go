package framing

import (
	"context"

	"google.golang.org/protobuf/proto"
)

// Writer envoie des messages protobuf préfixés par leur longueur.
type Writer interface {
	WriteMsg(ctx context.Context, msg proto.Message) error
}

// Reader lit un message écrit par un Writer.
type Reader interface {
	ReadMsg(ctx context.Context, msg proto.Message) error
}
