package utils

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
)

var (
	smsUsername = os.Getenv("SMS_USERNAME")
	smsAPIKey   = os.Getenv("SMS_API_KEY")
)

func sendSMS(message string, recipients []string) error {
	if smsUsername == "" {
		return fmt.Errorf("sms gateway username not set")
	}

	if smsAPIKey == "" {
		return fmt.Errorf("sms gateway API key not set")
	}

	gatewayURL := os.Getenv("SMS_GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "https://api.africastalking.com/version1/messaging"
	}
	log.Printf("Sending SMS to recipients: %v", recipients)

	// Prepare the form data
	data := url.Values{}
	data.Set("username", smsUsername)
	data.Set("to", strings.Join(recipients, ","))
	data.Set("message", message)

	req, err := http.NewRequest("POST", gatewayURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apiKey", smsAPIKey)
	req.Header.Set("Accept", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send SMS: status code %d", resp.StatusCode)
	}

	log.Printf("Successfully sent SMS to recipients")
	return nil
}

// SendPasswordResetSMS sends the password-reset OTP over SMS.
func SendPasswordResetSMS(phone, otp string) error {
	msg := fmt.Sprintf("Your CarryOn password reset code is %s. It expires in 15 minutes.", otp)
	return sendSMS(msg, []string{phone})
}

// SendRequestApprovedSMS tells the rider a sender picked them.
func SendRequestApprovedSMS(riderPhone, senderName, dropPostal string) error {
	msg := fmt.Sprintf("%s approved your CarryOn delivery to %s. Open the app to coordinate pickup.",
		senderName, dropPostal)
	return sendSMS(msg, []string{riderPhone})
}
