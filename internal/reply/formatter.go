// Package reply renders classification outcomes as LINE messages.
package reply

import (
	"fmt"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/stellarlinkco/freshbot/internal/vision"
)

const (
	AltText      = "ผลการตรวจสอบภาพ"
	HeroImageURL = "https://cdn-icons-png.flaticon.com/512/415/415682.png"
	FallbackText = "ขออภัยค่ะ เกิดข้อผิดพลาดบางอย่าง"

	titleText    = "🔍 ผลการตรวจสอบ"
	subtitleText = "ฉันคิดว่ารูปนี้คือ..."

	titleColor      = "#E67E22"
	labelColor      = "#2ECC71"
	confidenceColor = "#555555"
)

// Format builds the result card for a prediction: a kilo bubble with a
// decorative hero image and four centred lines of text.
func Format(p vision.Prediction) messaging_api.FlexMessage {
	return messaging_api.FlexMessage{
		AltText: AltText,
		Contents: &messaging_api.FlexBubble{
			Size: messaging_api.FlexBubbleSIZE_KILO,
			Hero: &messaging_api.FlexImage{
				Url:         HeroImageURL,
				Size:        "full",
				AspectRatio: "1:1",
				AspectMode:  messaging_api.FlexImageASPECT_MODE_COVER,
			},
			Body: &messaging_api.FlexBox{
				Layout: messaging_api.FlexBoxLAYOUT_VERTICAL,
				Contents: []messaging_api.FlexComponentInterface{
					&messaging_api.FlexText{
						Text:   titleText,
						Weight: messaging_api.FlexTextWEIGHT_BOLD,
						Size:   "lg",
						Align:  messaging_api.FlexTextALIGN_CENTER,
						Color:  titleColor,
					},
					&messaging_api.FlexText{
						Text:   subtitleText,
						Size:   "sm",
						Align:  messaging_api.FlexTextALIGN_CENTER,
						Margin: "md",
					},
					&messaging_api.FlexText{
						Text:   fmt.Sprintf(`"%s"`, p.Label),
						Weight: messaging_api.FlexTextWEIGHT_BOLD,
						Size:   "xl",
						Color:  labelColor,
						Align:  messaging_api.FlexTextALIGN_CENTER,
						Wrap:   true,
						Margin: "md",
					},
					&messaging_api.FlexText{
						Text:   ConfidenceText(p.Confidence),
						Size:   "sm",
						Align:  messaging_api.FlexTextALIGN_CENTER,
						Color:  confidenceColor,
						Margin: "sm",
					},
				},
			},
		},
	}
}

func ConfidenceText(confidence int) string {
	return fmt.Sprintf("ความมั่นใจ: %d%%", confidence)
}

// Fallback is sent once when anything between download and formatting fails.
func Fallback() messaging_api.TextMessage {
	return messaging_api.TextMessage{Text: FallbackText}
}
