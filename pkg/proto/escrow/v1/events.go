// Package escrowv1 registers the escrow event schema from
// proto/escrow/v1/events.proto with the protobuf runtime and marshals payloads
// against it.
package escrowv1

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Message names in escrow.v1
const (
	BidAccepted     protoreflect.Name = "BidAccepted"
	RefundRequested protoreflect.Name = "RefundRequested"
	RefundSettled   protoreflect.Name = "RefundSettled"
)

const (
	typeString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeInt64  = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
)

type field struct {
	name string
	typ  descriptorpb.FieldDescriptorProto_Type
}

// File is the descriptor of escrow/v1/events.proto
var File = build()

func build() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(&descriptorpb.FileDescriptorProto{
		Name:    proto.String("escrow/v1/events.proto"),
		Package: proto.String("escrow.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message(BidAccepted,
				field{"bid_id", typeString},
				field{"bidder", typeString},
				field{"amount", typeString},
				field{"displaced_bidder", typeString},
				field{"displaced_amount", typeString},
				field{"refund_seq", typeInt64},
				field{"accepted_at", typeInt64},
			),
			message(RefundRequested,
				field{"seq", typeInt64},
				field{"bidder", typeString},
				field{"amount", typeString},
				field{"idempotency_key", typeString},
				field{"dispatched_at", typeInt64},
			),
			message(RefundSettled,
				field{"seq", typeInt64},
				field{"bidder", typeString},
				field{"amount", typeString},
				field{"success", typeBool},
				field{"reason", typeString},
				field{"ledger_tx_id", typeString},
				field{"liability_id", typeString},
				field{"settled_at", typeInt64},
			),
		},
	}, nil)
	if err != nil {
		panic(fmt.Sprintf("escrowv1: invalid schema: %v", err))
	}
	return fd
}

// message numbers fields in declaration order, as events.proto does
func message(name protoreflect.Name, fields ...field) *descriptorpb.DescriptorProto {
	m := &descriptorpb.DescriptorProto{Name: proto.String(string(name))}
	for i, f := range fields {
		m.Field = append(m.Field, &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.name),
			Number: proto.Int32(int32(i + 1)),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   f.typ.Enum(),
		})
	}
	return m
}

// Message is one event payload. Setters skip zero values, which proto3 does not encode.
type Message struct {
	msg *dynamicpb.Message
}

// New returns an empty message of the given type
func New(name protoreflect.Name) *Message {
	desc := File.Messages().ByName(name)
	if desc == nil {
		panic(fmt.Sprintf("escrowv1: unknown message %s", name))
	}
	return &Message{msg: dynamicpb.NewMessage(desc)}
}

// Unmarshal decodes b as a message of the given type. Unknown fields are kept and ignored.
func Unmarshal(name protoreflect.Name, b []byte) (*Message, error) {
	m := New(name)
	if err := proto.Unmarshal(b, m.msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return m, nil
}

func (m *Message) Marshal() ([]byte, error) {
	return proto.Marshal(m.msg)
}

func (m *Message) field(name protoreflect.Name) protoreflect.FieldDescriptor {
	fd := m.msg.Descriptor().Fields().ByName(name)
	if fd == nil {
		panic(fmt.Sprintf("escrowv1: %s has no field %s", m.msg.Descriptor().FullName(), name))
	}
	return fd
}

func (m *Message) SetString(name protoreflect.Name, v string) *Message {
	if v != "" {
		m.msg.Set(m.field(name), protoreflect.ValueOfString(v))
	}
	return m
}

func (m *Message) SetInt64(name protoreflect.Name, v int64) *Message {
	if v != 0 {
		m.msg.Set(m.field(name), protoreflect.ValueOfInt64(v))
	}
	return m
}

func (m *Message) SetBool(name protoreflect.Name, v bool) *Message {
	if v {
		m.msg.Set(m.field(name), protoreflect.ValueOfBool(v))
	}
	return m
}

func (m *Message) GetString(name protoreflect.Name) string {
	return m.msg.Get(m.field(name)).String()
}

func (m *Message) GetInt64(name protoreflect.Name) int64 {
	return m.msg.Get(m.field(name)).Int()
}

func (m *Message) GetBool(name protoreflect.Name) bool {
	return m.msg.Get(m.field(name)).Bool()
}
