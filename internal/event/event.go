// Package event describes the gameplay events sent to the event handler.
// The message types are assembled at runtime from descriptors and carried as
// dynamicpb messages, so no generated code is needed on either side of the
// wire.
package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Methods served by the event handler.
const (
	LoginMethod = "accelbyte.iam.account.v1.UserAuthenticationUserLoggedInService/OnMessage"
	StatMethod  = "accelbyte.social.statistic.v1.StatisticStatItemUpdatedService/OnMessage"
)

// StatCodes are the statistics a stat update may carry.
var StatCodes = []string{"enemy_kills", "login_count", "games_played", "headshots", "wins"}

var (
	loginDesc   protoreflect.MessageDescriptor
	statDesc    protoreflect.MessageDescriptor
	payloadDesc protoreflect.MessageDescriptor
)

func init() {
	files := new(protoregistry.Files)

	login, err := protodesc.NewFile(accountFile(), files)
	if err != nil {
		panic(fmt.Sprintf("event: account descriptor: %v", err))
	}
	stat, err := protodesc.NewFile(statisticFile(), files)
	if err != nil {
		panic(fmt.Sprintf("event: statistic descriptor: %v", err))
	}

	loginDesc = login.Messages().ByName("UserLoggedIn")
	statDesc = stat.Messages().ByName("StatItemUpdated")
	payloadDesc = stat.Messages().ByName("StatItem")
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func envelopeFields() []*descriptorpb.FieldDescriptorProto {
	return []*descriptorpb.FieldDescriptorProto{
		field("id", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		field("user_id", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		field("namespace", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
	}
}

func accountFile() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("accelbyte-asyncapi/iam/account/v1/account.proto"),
		Package: proto.String("accelbyte.iam.account.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: proto.String("UserLoggedIn"), Field: envelopeFields()},
		},
	}
}

func statisticFile() *descriptorpb.FileDescriptorProto {
	payload := field("payload", 4, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	payload.TypeName = proto.String(".accelbyte.social.statistic.v1.StatItem")

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("accelbyte-asyncapi/social/statistic/v1/statistic.proto"),
		Package: proto.String("accelbyte.social.statistic.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("StatItem"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("stat_code", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("latest_value", 2, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
				},
			},
			{Name: proto.String("StatItemUpdated"), Field: append(envelopeFields(), payload)},
		},
	}
}

// Descriptor returns the request message type of method. The leading slash
// of a full gRPC method name is optional.
func Descriptor(method string) (protoreflect.MessageDescriptor, bool) {
	switch strings.TrimPrefix(method, "/") {
	case LoginMethod:
		return loginDesc, true
	case StatMethod:
		return statDesc, true
	default:
		return nil, false
	}
}

// New returns an empty request message for method.
func New(method string) (*dynamicpb.Message, error) {
	desc, ok := Descriptor(method)
	if !ok {
		return nil, fmt.Errorf("event: unknown method %q", method)
	}
	return dynamicpb.NewMessage(desc), nil
}

// NewLogin builds a login event.
func NewLogin(id, userID, namespace string) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(loginDesc)
	setEnvelope(msg, id, userID, namespace)
	return msg
}

// NewStatUpdate builds a stat item update event.
func NewStatUpdate(id, userID, namespace, statCode string, value float64) *dynamicpb.Message {
	msg := dynamicpb.NewMessage(statDesc)
	setEnvelope(msg, id, userID, namespace)

	payload := dynamicpb.NewMessage(payloadDesc)
	fields := payloadDesc.Fields()
	payload.Set(fields.ByName("stat_code"), protoreflect.ValueOfString(statCode))
	payload.Set(fields.ByName("latest_value"), protoreflect.ValueOfFloat64(value))
	msg.Set(statDesc.Fields().ByName("payload"), protoreflect.ValueOfMessage(payload))
	return msg
}

func setEnvelope(msg *dynamicpb.Message, id, userID, namespace string) {
	fields := msg.Descriptor().Fields()
	msg.Set(fields.ByName("id"), protoreflect.ValueOfString(id))
	msg.Set(fields.ByName("user_id"), protoreflect.ValueOfString(userID))
	msg.Set(fields.ByName("namespace"), protoreflect.ValueOfString(namespace))
}

// StatItem is the payload of a stat update.
type StatItem struct {
	StatCode    string  `json:"statCode"`
	LatestValue float64 `json:"latestValue"`
}

// Envelope is the decoded form of either event.
type Envelope struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Namespace string    `json:"namespace"`
	Payload   *StatItem `json:"payload,omitempty"`
}

// Decode converts an event message into an Envelope through its canonical
// JSON form.
func Decode(msg proto.Message) (Envelope, error) {
	var env Envelope
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return env, fmt.Errorf("event: marshal: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("event: decode: %w", err)
	}
	return env, nil
}
