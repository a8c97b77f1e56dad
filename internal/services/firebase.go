package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

var (
	// FirebaseApp is the Firebase app instance
	FirebaseApp *firebase.App
	// MessagingClient is the Firebase Cloud Messaging client
	MessagingClient *messaging.Client
)

// NearbyRequestsTopic fans out new open requests to helpers who opted in.
const NearbyRequestsTopic = "nearby_requests"

// InitFirebase initializes Firebase Admin SDK
func InitFirebase() error {
	ctx := context.Background()

	serviceAccountPath := os.Getenv("FIREBASE_SERVICE_ACCOUNT_PATH")
	if serviceAccountPath == "" {
		log.Println("Warning: FIREBASE_SERVICE_ACCOUNT_PATH not set. Push notifications will be disabled.")
		return nil
	}

	opt := option.WithCredentialsFile(serviceAccountPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return fmt.Errorf("error initializing firebase app: %v", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("error getting messaging client: %v", err)
	}

	FirebaseApp = app
	MessagingClient = client

	log.Println("Firebase Cloud Messaging initialized successfully")
	return nil
}

// NotificationPayload represents the notification data
type NotificationPayload struct {
	Title      string                 `json:"title"`
	Body       string                 `json:"body"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Image      string                 `json:"image,omitempty"`
	ChannelID  string                 `json:"channelId,omitempty"`
	Sound      string                 `json:"sound,omitempty"`
	Priority   string                 `json:"priority,omitempty"`
	BadgeCount *int                   `json:"badgeCount,omitempty"`
	Tag        string                 `json:"tag,omitempty"`
}

// getAndroidConfig returns Android-specific notification configuration
func getAndroidConfig(payload NotificationPayload) *messaging.AndroidConfig {
	channelID := payload.ChannelID
	if channelID == "" {
		channelID = "carryon_default"
	}

	sound := payload.Sound
	if sound == "" {
		sound = "default"
	}

	priority := messaging.PriorityHigh
	if payload.Priority == "normal" {
		priority = messaging.PriorityDefault
	}

	return &messaging.AndroidConfig{
		Priority: "high",
		Notification: &messaging.AndroidNotification{
			Sound:                 sound,
			ChannelID:             channelID,
			Priority:              priority,
			DefaultSound:          sound == "default",
			Icon:                  "ic_stat_logo",
			Color:                 "#FF7A00",
			Tag:                   payload.Tag,
			DefaultVibrateTimings: true,
		},
	}
}

// getAPNSConfig returns iOS-specific notification configuration
func getAPNSConfig(payload NotificationPayload) *messaging.APNSConfig {
	sound := payload.Sound
	if sound == "" {
		sound = "default"
	}

	badge := 1
	if payload.BadgeCount != nil {
		badge = *payload.BadgeCount
	}

	return &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Sound:            sound,
				Badge:            &badge,
				MutableContent:   true,
				ContentAvailable: true,
			},
		},
	}
}

// dataToStrings converts the data map to the string map FCM requires.
func dataToStrings(data map[string]interface{}) map[string]string {
	dataStrings := make(map[string]string)
	for key, value := range data {
		switch v := value.(type) {
		case string:
			dataStrings[key] = v
		case int, int64, uint, float64, bool:
			dataStrings[key] = fmt.Sprintf("%v", v)
		default:
			jsonData, err := json.Marshal(v)
			if err != nil {
				log.Printf("Error marshaling data for key %s: %v", key, err)
				continue
			}
			dataStrings[key] = string(jsonData)
		}
	}
	return dataStrings
}

// SendNotificationToToken sends a notification to a specific FCM token
func SendNotificationToToken(ctx context.Context, token string, payload NotificationPayload) error {
	if MessagingClient == nil {
		log.Println("Warning: Firebase not initialized. Skipping notification.")
		return nil
	}
	if token == "" {
		return nil
	}

	message := &messaging.Message{
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data:  dataToStrings(payload.Data),
		Token: token,
	}

	if payload.Image != "" {
		message.Notification.ImageURL = payload.Image
	}

	message.Android = getAndroidConfig(payload)
	message.APNS = getAPNSConfig(payload)

	response, err := MessagingClient.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending message: %v", err)
	}

	log.Printf("Successfully sent notification, response: %s", response)
	return nil
}

// SendNotificationToMultipleTokens sends a notification to multiple FCM tokens
func SendNotificationToMultipleTokens(ctx context.Context, tokens []string, payload NotificationPayload) (*messaging.BatchResponse, error) {
	if MessagingClient == nil {
		log.Println("Warning: Firebase not initialized. Skipping notifications.")
		return nil, nil
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens provided")
	}

	message := &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data:   dataToStrings(payload.Data),
		Tokens: tokens,
	}

	if payload.Image != "" {
		message.Notification.ImageURL = payload.Image
	}

	message.Android = getAndroidConfig(payload)
	message.APNS = getAPNSConfig(payload)

	response, err := MessagingClient.SendEachForMulticast(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("error sending multicast message: %v", err)
	}

	log.Printf("Successfully sent %d messages, %d failures", response.SuccessCount, response.FailureCount)

	if response.FailureCount > 0 {
		for idx, resp := range response.Responses {
			if !resp.Success {
				log.Printf("Failed to send to token %s: %v", tokens[idx], resp.Error)
			}
		}
	}

	return response, nil
}

// statusNotification holds the copy for one (role, status) pair.
type statusNotification struct {
	Title string
	Body  string
}

// senderStatusCopy is what the sender sees as their request advances.
var senderStatusCopy = map[string]statusNotification{
	"requested":          {"New Delivery Offer", "A rider offered to carry your parcel. Review and approve in the app."},
	"waiting_pickup":     {"Rider at Pickup", "Your rider has arrived at the pickup point."},
	"pickup_otp_pending": {"Share Your Pickup Code", "Your rider is ready to collect. Share the pickup code shown in the app."},
	"picked":             {"Parcel Collected", "Your rider verified the pickup code and has your parcel."},
	"in_transit":         {"Parcel On the Way", "Your parcel is in transit to the drop-off point."},
	"delivered":          {"Parcel Delivered", "The drop-off code was verified. Rate your rider to close the delivery."},
	"completed":          {"Delivery Complete", "Thanks for using CarryOn."},
	"cancelled":          {"Request Cancelled", "Your delivery request was cancelled."},
	"expired":            {"Request Expired", "No rider picked up your request in time. You can post it again."},
}

// helperStatusCopy is what the carrying rider sees.
var helperStatusCopy = map[string]statusNotification{
	"approved":  {"You Got the Delivery", "The sender approved your offer. Head to the pickup point."},
	"picked":    {"Pickup Confirmed", "Pickup code verified. Safe travels."},
	"delivered": {"Drop-off Confirmed", "Drop-off code verified. Nice work."},
	"completed": {"Delivery Complete", "The sender closed out the delivery."},
	"cancelled": {"Delivery Cancelled", "The delivery you were assigned to was cancelled."},
	"rejected":  {"Offer Declined", "The sender went with another rider this time."},
}

// StatusChangePayload builds the role-appropriate copy for a lifecycle
// status change. The second return is false for (role, status) pairs the
// role is not notified about. role is "sender" or "helper".
func StatusChangePayload(requestID uint, role, status string) (NotificationPayload, bool) {
	table := senderStatusCopy
	if role == "helper" {
		table = helperStatusCopy
	}
	copy, ok := table[status]
	if !ok {
		return NotificationPayload{}, false
	}

	return NotificationPayload{
		Title: copy.Title,
		Body:  copy.Body,
		Data: map[string]interface{}{
			"type":      "status_change",
			"requestId": requestID,
			"status":    status,
			"role":      role,
		},
		Tag: fmt.Sprintf("request_%d", requestID),
	}, true
}

// SendStatusNotification sends the role-appropriate copy for a lifecycle
// status change. Unknown (role, status) pairs are silently skipped.
func SendStatusNotification(ctx context.Context, token string, requestID uint, role, status string) error {
	payload, ok := StatusChangePayload(requestID, role, status)
	if !ok {
		return nil
	}
	return SendNotificationToToken(ctx, token, payload)
}

// SendPaymentConfirmedNotification tells the rider the sender confirmed payment.
func SendPaymentConfirmedNotification(ctx context.Context, riderToken string, requestID uint) error {
	payload := NotificationPayload{
		Title: "Payment Confirmed",
		Body:  "The sender marked the delivery as paid.",
		Data: map[string]interface{}{
			"type":      "payment",
			"requestId": requestID,
		},
	}
	return SendNotificationToToken(ctx, riderToken, payload)
}

// SendChatMessageNotification tells the recipient a new message arrived.
// The body deliberately does not include the message text.
func SendChatMessageNotification(ctx context.Context, token string, requestID uint, senderName string) error {
	payload := NotificationPayload{
		Title: "New Message",
		Body:  fmt.Sprintf("%s sent you a message", senderName),
		Data: map[string]interface{}{
			"type":      "chat_message",
			"requestId": requestID,
		},
		Tag: fmt.Sprintf("chat_%d", requestID),
	}
	return SendNotificationToToken(ctx, token, payload)
}

// SendNearbyRequestNotification fans a newly created request out to the
// helpers topic.
func SendNearbyRequestNotification(ctx context.Context, requestID uint, pickupPostal, dropPostal string) error {
	if MessagingClient == nil {
		log.Println("Warning: Firebase not initialized. Skipping topic notification.")
		return nil
	}

	payload := NotificationPayload{
		Title:    "New Delivery Nearby",
		Body:     fmt.Sprintf("A parcel needs carrying from %s to %s.", pickupPostal, dropPostal),
		Priority: "normal",
		Data: map[string]interface{}{
			"type":      "nearby_request",
			"requestId": requestID,
		},
	}

	message := &messaging.Message{
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Data:  dataToStrings(payload.Data),
		Topic: NearbyRequestsTopic,
	}
	message.Android = getAndroidConfig(payload)
	message.APNS = getAPNSConfig(payload)

	response, err := MessagingClient.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("error sending topic message: %v", err)
	}

	log.Printf("Successfully sent notification to topic %s, response: %s", NearbyRequestsTopic, response)
	return nil
}

// SubscribeToTopic subscribes tokens to a topic for targeted messaging
func SubscribeToTopic(ctx context.Context, tokens []string, topic string) error {
	if MessagingClient == nil {
		log.Println("Warning: Firebase not initialized. Skipping topic subscription.")
		return nil
	}

	response, err := MessagingClient.SubscribeToTopic(ctx, tokens, topic)
	if err != nil {
		return fmt.Errorf("error subscribing to topic: %v", err)
	}

	log.Printf("Successfully subscribed %d tokens to topic %s, %d failures", response.SuccessCount, topic, response.FailureCount)
	return nil
}

// UnsubscribeFromTopic unsubscribes tokens from a topic
func UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) error {
	if MessagingClient == nil {
		log.Println("Warning: Firebase not initialized. Skipping topic unsubscription.")
		return nil
	}

	response, err := MessagingClient.UnsubscribeFromTopic(ctx, tokens, topic)
	if err != nil {
		return fmt.Errorf("error unsubscribing from topic: %v", err)
	}

	log.Printf("Successfully unsubscribed %d tokens from topic %s, %d failures", response.SuccessCount, topic, response.FailureCount)
	return nil
}
