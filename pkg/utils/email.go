package utils

import (
	"fmt"
	"log"
	"net/smtp"
	"os"
	"strings"
)

var (
	emailFrom     = os.Getenv("EMAIL_FROM")
	emailPassword = os.Getenv("EMAIL_PASSWORD")
	smtpHost      = os.Getenv("SMTP_HOST")
	smtpPort      = os.Getenv("SMTP_PORT")
	companyName   = "CarryOn Pte Ltd"
	baseURL       = os.Getenv("BASE_URL")
)

// Common header template for all emails
const emailHeader = `
<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; margin: 0; padding: 0;">
	<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
		<div style="text-align: center; margin-bottom: 30px; background-color: #f9f9f9; padding: 20px;">
			<h2 style="color: #FF7A00; margin: 0;">CarryOn</h2>
		</div>
`

// Common footer template for all emails
const emailFooter = `
		<div style="text-align: center; margin-top: 20px; font-size: 12px; color: #666; border-top: 1px solid #eee; padding-top: 20px;">
			<p>This is an automated message, please do not reply to this email.</p>
			<p>© 2025 CarryOn Pte Ltd. All rights reserved.</p>
		</div>
	</div>
</body>
</html>
`

func sendEmail(to []string, subject, body string) error {
	if emailFrom == "" || emailPassword == "" || smtpHost == "" || smtpPort == "" {
		return fmt.Errorf("email configuration not set")
	}

	// Headers
	headers := make(map[string]string)
	headers["From"] = fmt.Sprintf("%s <%s>", companyName, emailFrom)
	headers["To"] = strings.Join(to, ",")
	headers["Subject"] = subject
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/html; charset=UTF-8"
	headers["X-Mailer"] = "CarryOn-Mailer"

	// Build message
	message := ""
	for key, value := range headers {
		message += fmt.Sprintf("%s: %s\r\n", key, value)
	}
	message += "\r\n" + body

	auth := smtp.PlainAuth("", emailFrom, emailPassword, smtpHost)

	err := smtp.SendMail(smtpHost+":"+smtpPort, auth, emailFrom, to, []byte(message))
	if err != nil {
		log.Printf("Failed to send email: %v", err)
		return err
	}

	log.Printf("Successfully sent email to recipients: %v", to)
	return nil
}

// SendVerificationEmail sends the email-verification OTP to a new account.
func SendVerificationEmail(email, otp string) error {
	subject := "Verify Your Email - CarryOn"
	body := fmt.Sprintf(emailHeader+`
				<div style="background-color: #f9f9f9; padding: 20px; border-radius: 5px;">
					<h1 style="color: #2c3e50; text-align: center;">Welcome to CarryOn</h1>
					<p>Hello,</p>
					<p>Use the code below to verify your email address. It expires in 15 minutes.</p>
					<div style="text-align: center; margin: 30px 0;">
						<span style="font-size: 32px; letter-spacing: 8px; font-weight: bold;">%s</span>
					</div>
					<p>If you did not create a CarryOn account, you can ignore this email.</p>
					<p>Best regards,<br>The CarryOn Team</p>
				</div>`+emailFooter,
		otp)

	return sendEmail([]string{email}, subject, body)
}

// SendPasswordResetEmail sends the password-reset OTP.
func SendPasswordResetEmail(email, otp string) error {
	subject := "Password Reset Code - CarryOn"
	body := fmt.Sprintf(emailHeader+`
				<div style="background-color: #f9f9f9; padding: 20px; border-radius: 5px;">
					<h1 style="color: #2c3e50; text-align: center;">Password Reset</h1>
					<p>Hello,</p>
					<p>We received a request to reset your password. Use the code below. It expires in 15 minutes.</p>
					<div style="text-align: center; margin: 30px 0;">
						<span style="font-size: 32px; letter-spacing: 8px; font-weight: bold;">%s</span>
					</div>
					<p>If you did not request a reset, you can ignore this email.</p>
					<p>Best regards,<br>The CarryOn Team</p>
				</div>`+emailFooter,
		otp)

	return sendEmail([]string{email}, subject, body)
}

// SendRequestApprovedEmail tells the rider a sender picked them.
func SendRequestApprovedEmail(riderEmail, senderName, pickupPostal, dropPostal string) error {
	subject := "Delivery Request Approved - CarryOn"
	body := fmt.Sprintf(emailHeader+`
				<div style="background-color: #f9f9f9; padding: 20px; border-radius: 5px;">
					<h1 style="color: #2c3e50; text-align: center;">You Got the Delivery</h1>
					<p>Hello,</p>
					<p><strong>%s</strong> approved your offer to carry a parcel from <strong>%s</strong> to <strong>%s</strong>.</p>
					<p>Open the app to coordinate the pickup. You will receive the pickup code flow there.</p>
					<div style="text-align: center; margin: 30px 0;">
						<a href="%s/deliveries" style="background-color: #FF7A00; color: white; padding: 12px 25px; text-decoration: none; border-radius: 5px;">View Delivery</a>
					</div>
					<p>Best regards,<br>The CarryOn Team</p>
				</div>`+emailFooter,
		senderName, pickupPostal, dropPostal, baseURL)

	return sendEmail([]string{riderEmail}, subject, body)
}

// SendAccountRestrictedEmail tells a user their account was temporarily
// restricted by safety enforcement.
func SendAccountRestrictedEmail(email, reason string, hours int) error {
	subject := "Account Temporarily Restricted - CarryOn"
	body := fmt.Sprintf(emailHeader+`
				<div style="background-color: #f9f9f9; padding: 20px; border-radius: 5px;">
					<h1 style="color: #2c3e50; text-align: center;">Account Restricted</h1>
					<p>Hello,</p>
					<p>Our safety systems flagged unusual activity on your account: <strong>%s</strong>.</p>
					<p>Your account is restricted for the next %d hours. Active requests in a pre-pickup state were cancelled.</p>
					<p>If you believe this is a mistake, reply to support from the app.</p>
					<p>Best regards,<br>The CarryOn Team</p>
				</div>`+emailFooter,
		reason, hours)

	return sendEmail([]string{email}, subject, body)
}
